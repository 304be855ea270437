package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrAttemptsExhausted is returned when a transition to PROCESSING would push
// the attempt count past the configured maximum without an explicit override.
var ErrAttemptsExhausted = errors.New("attempt budget exhausted")

// pageSize bounds the retryable/scheduled queries to prevent retry storms.
const pageSize = 50

// casRetries bounds how many times UpdateStatus re-reads after losing an
// optimistic update race.
const casRetries = 5

// transitions lists the permitted next states per current state. PROCESSING
// re-enters itself so a duplicate job racing an in-flight attempt still
// counts its own attempt; FAILED may re-enter QUEUED/PROCESSING only through
// the replay path. Both are guarded by the attempt budget in applyTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusProcessing, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusProcessing, StatusSent, StatusFailed, StatusBounced},
	StatusSent:       {StatusDelivered},
	StatusFailed:     {StatusQueued, StatusProcessing},
}

// TransitionContext carries the side-effect inputs for a status change.
type TransitionContext struct {
	JobID            string
	ExternalID       string
	ErrorCode        string
	ErrorMessage     string
	ErrorStack       string
	NextRetryAt      *time.Time
	OverrideAttempts bool
}

// CreateParams describes a new notification record.
type CreateParams struct {
	UserID       string
	Type         string
	Channel      string
	Priority     string
	Recipient    string
	Subject      string
	TemplateID   string
	Payload      []byte
	Metadata     map[string]string
	MaxAttempts  int
	ScheduledFor *time.Time
}

// Service is the authoritative state machine and query surface for
// notification records.
type Service struct {
	store  Store
	prefs  PreferenceReader
	logger zerolog.Logger
	now    func() time.Time
}

// NewService constructs the lifecycle service over the supplied store.
func NewService(store Store, prefs PreferenceReader, logger zerolog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("lifecycle: store dependency is required")
	}
	if prefs == nil {
		prefs = AllowAll{}
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{
		store:  store,
		prefs:  prefs,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WithClock overrides the service clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create records a new notification in PENDING.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Notification, error) {
	if params.Recipient == "" {
		return nil, errors.New("lifecycle: recipient is required")
	}
	if params.Channel == "" {
		params.Channel = ChannelEmail
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	now := s.now().UTC()
	n := &Notification{
		ID:           uuid.NewString(),
		UserID:       params.UserID,
		Type:         params.Type,
		Channel:      params.Channel,
		Priority:     params.Priority,
		Recipient:    params.Recipient,
		Subject:      params.Subject,
		TemplateID:   params.TemplateID,
		Payload:      params.Payload,
		Metadata:     params.Metadata,
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		ScheduledFor: params.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("lifecycle: create notification: %w", err)
	}

	s.logger.Debug().
		Str("notification_id", n.ID).
		Str("type", n.Type).
		Str("recipient", n.Recipient).
		Msg("notification recorded")
	return n, nil
}

// Get loads one record.
func (s *Service) Get(ctx context.Context, id string) (*Notification, error) {
	return s.store.Get(ctx, id)
}

// ChannelEnabled reports whether the recipient has the channel switched on.
func (s *Service) ChannelEnabled(ctx context.Context, userID, channel string) (bool, error) {
	return s.prefs.ChannelEnabled(ctx, userID, channel)
}

// UpdateStatus applies one state machine transition atomically. The read,
// transition check and write run as a compare-and-set against the stored
// status and attempt count, retried a bounded number of times, so concurrent
// transitions never lose an attempt increment.
func (s *Service) UpdateStatus(ctx context.Context, id string, newStatus Status, tc TransitionContext) (*Notification, error) {
	for i := 0; i < casRetries; i++ {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := *current
		if err := s.applyTransition(&next, newStatus, tc); err != nil {
			return nil, err
		}

		err = s.store.Update(ctx, &next, current.Status, current.AttemptCount)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lifecycle: update notification %s: %w", id, err)
		}

		s.logger.Info().
			Str("notification_id", id).
			Str("from", string(current.Status)).
			Str("to", string(newStatus)).
			Int("attempt_count", next.AttemptCount).
			Msg("notification status transition")
		return &next, nil
	}
	return nil, fmt.Errorf("lifecycle: update notification %s: %w", id, ErrConflict)
}

func (s *Service) applyTransition(n *Notification, newStatus Status, tc TransitionContext) error {
	allowed := false
	for _, to := range transitions[n.Status] {
		if to == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, newStatus)
	}

	now := s.now().UTC()
	switch newStatus {
	case StatusQueued:
		if n.Status == StatusFailed && n.AttemptCount >= n.MaxAttempts && !tc.OverrideAttempts {
			return fmt.Errorf("%w: %d/%d", ErrAttemptsExhausted, n.AttemptCount, n.MaxAttempts)
		}
		n.QueuedAt = &now
		if tc.JobID != "" {
			n.JobID = tc.JobID
		}
	case StatusProcessing:
		if n.AttemptCount >= n.MaxAttempts && !tc.OverrideAttempts {
			return fmt.Errorf("%w: %d/%d", ErrAttemptsExhausted, n.AttemptCount, n.MaxAttempts)
		}
		n.ProcessingAt = &now
		n.LastAttemptAt = &now
		n.AttemptCount++
	case StatusSent:
		n.SentAt = &now
		if tc.ExternalID != "" {
			n.ExternalID = tc.ExternalID
		}
	case StatusDelivered:
		n.DeliveredAt = &now
	case StatusFailed, StatusBounced:
		n.FailedAt = &now
		n.ErrorCode = tc.ErrorCode
		n.ErrorMessage = tc.ErrorMessage
		n.ErrorStack = tc.ErrorStack
		n.NextRetryAt = tc.NextRetryAt
	case StatusCancelled:
		// No extra fields; the record simply leaves the automatic pipeline.
	}

	n.Status = newStatus
	n.UpdatedAt = now
	return nil
}

// FindRetryable returns FAILED records with budget remaining whose
// nextRetryAt is unset or elapsed, bounded to one page.
func (s *Service) FindRetryable(ctx context.Context) ([]*Notification, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*Notification, 0)
	for _, n := range all {
		if n.Retryable(now) {
			out = append(out, n)
			if len(out) == pageSize {
				break
			}
		}
	}
	return out, nil
}

// FindScheduledReady returns PENDING records whose scheduledFor has elapsed,
// bounded to one page.
func (s *Service) FindScheduledReady(ctx context.Context) ([]*Notification, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]*Notification, 0)
	for _, n := range all {
		if n.Status != StatusPending || n.ScheduledFor == nil {
			continue
		}
		if n.ScheduledFor.After(now) {
			continue
		}
		out = append(out, n)
		if len(out) == pageSize {
			break
		}
	}
	return out, nil
}

// GetStats aggregates counts by status, channel and type, optionally
// restricted to one user.
func (s *Service) GetStats(ctx context.Context, userID string) (*Stats, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByStatus:  make(map[Status]int),
		ByChannel: make(map[string]int),
		ByType:    make(map[string]int),
	}
	for _, n := range all {
		if userID != "" && n.UserID != userID {
			continue
		}
		stats.Total++
		stats.ByStatus[n.Status]++
		stats.ByChannel[n.Channel]++
		stats.ByType[n.Type]++
	}
	return stats, nil
}

// DeleteOlderThan purges terminal, non-retryable records whose last update is
// older than the cutoff. It returns the number of deleted records.
func (s *Service) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	if days < 1 {
		return 0, errors.New("lifecycle: retention days must be >= 1")
	}
	all, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().AddDate(0, 0, -days)
	deleted := 0
	for _, n := range all {
		if !n.Terminal() || n.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, n.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}

	if deleted > 0 {
		s.logger.Info().Int("deleted", deleted).Int("days", days).Msg("retention cleanup removed aged notifications")
	}
	return deleted, nil
}

// SaveTemplateVersion stores a new version of the named template, making it
// the single active version for its code.
func (s *Service) SaveTemplateVersion(ctx context.Context, t Template) (*Template, error) {
	if t.Code == "" {
		return nil, errors.New("lifecycle: template code is required")
	}
	if t.BodyTemplate == "" {
		return nil, errors.New("lifecycle: template body is required")
	}

	existing, err := s.store.Templates(ctx, t.Code)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	maxVersion := 0
	for _, prev := range existing {
		if prev.Version > maxVersion {
			maxVersion = prev.Version
		}
		if prev.IsActive {
			prev.IsActive = false
			prev.UpdatedAt = now
			if err := s.store.SaveTemplate(ctx, prev); err != nil {
				return nil, fmt.Errorf("lifecycle: deactivate template %s v%d: %w", prev.Code, prev.Version, err)
			}
		}
	}

	t.ID = uuid.NewString()
	t.Version = maxVersion + 1
	t.IsActive = true
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.store.SaveTemplate(ctx, &t); err != nil {
		return nil, fmt.Errorf("lifecycle: save template %s v%d: %w", t.Code, t.Version, err)
	}
	return &t, nil
}

// ActiveTemplate returns the single active version for a template code.
func (s *Service) ActiveTemplate(ctx context.Context, code string) (*Template, error) {
	versions, err := s.store.Templates(ctx, code)
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version > versions[j].Version })
	for _, t := range versions {
		if t.IsActive {
			return t, nil
		}
	}
	return nil, fmt.Errorf("lifecycle: no active template for code %q: %w", code, ErrNotFound)
}
