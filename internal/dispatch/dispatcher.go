package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notification-dispatch/internal/contract"
	"github.com/example/notification-dispatch/internal/lifecycle"
	"github.com/example/notification-dispatch/internal/queue"
	"github.com/example/notification-dispatch/internal/worker"
)

// Modes reported back to dispatch callers.
const (
	ModeAsync     = "async"
	ModeSync      = "sync"
	ModeScheduled = "scheduled"
)

// syncWarning is attached to responses served without the queue.
const syncWarning = "delivery was synchronous due to queue unavailability"

// ErrNoRoute is returned for event types no processor is registered for.
var ErrNoRoute = errors.New("dispatch: no route for event type")

// ErrValidation wraps contract rejections so the transport layer can map
// them to a client error instead of a server error.
var ErrValidation = errors.New("dispatch: invalid request")

// Request is one dispatch submission: a serialized envelope plus optional
// scheduling.
type Request struct {
	Envelope     []byte
	ScheduledFor *time.Time
}

// Response reports how a submission was handled.
type Response struct {
	NotificationID string `json:"notificationId"`
	Status         string `json:"status"`
	Mode           string `json:"mode"`
	MessageID      string `json:"messageId,omitempty"`
	Warning        string `json:"warning,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Dispatcher accepts enveloped requests and routes each one through the
// queue when the backend is available, or through the same processing
// pipeline inline when it is not. Requests never fail solely because the
// queue is down.
type Dispatcher struct {
	queue     *queue.Queue
	monitor   *queue.Monitor
	lifecycle *lifecycle.Service
	routes    map[contract.EventType]*worker.Processor
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher constructs a dispatcher routing to the supplied processors.
func NewDispatcher(q *queue.Queue, monitor *queue.Monitor, lc *lifecycle.Service, processors []*worker.Processor, logger zerolog.Logger) (*Dispatcher, error) {
	if q == nil {
		return nil, errors.New("dispatcher: queue dependency is required")
	}
	if monitor == nil {
		return nil, errors.New("dispatcher: monitor dependency is required")
	}
	if lc == nil {
		return nil, errors.New("dispatcher: lifecycle dependency is required")
	}
	if len(processors) == 0 {
		return nil, errors.New("dispatcher: at least one processor is required")
	}

	routes := make(map[contract.EventType]*worker.Processor, len(processors))
	for _, p := range processors {
		spec := p.Spec()
		if _, dup := routes[spec.EventType]; dup {
			return nil, fmt.Errorf("dispatcher: duplicate route for %q", spec.EventType)
		}
		routes[spec.EventType] = p
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	return &Dispatcher{
		queue:     q,
		monitor:   monitor,
		lifecycle: lc,
		routes:    routes,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Dispatch validates the envelope, records the notification and hands it to
// the queue or the inline pipeline depending on backend availability.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	env, err := contract.Validate("", req.Envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	proc, ok := d.routes[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, env.EventType)
	}
	userID, email, _, ok := contract.Recipient(env)
	if !ok {
		return nil, fmt.Errorf("%w: %s carries no recipient", ErrValidation, env.EventType)
	}

	spec := proc.Spec()
	notif, err := d.lifecycle.Create(ctx, lifecycle.CreateParams{
		UserID:       userID,
		Type:         spec.NotificationType,
		Channel:      lifecycle.ChannelEmail,
		Recipient:    email,
		Subject:      spec.Subject,
		TemplateID:   spec.TemplateName,
		Payload:      req.Envelope,
		Metadata:     map[string]string{"event_id": env.EventID, "producer": env.Producer},
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: record request: %w", err)
	}

	log := d.logger.With().
		Str("notification_id", notif.ID).
		Str("event_type", string(env.EventType)).
		Str("event_id", env.EventID).
		Logger()

	if req.ScheduledFor != nil && req.ScheduledFor.After(d.now()) {
		log.Info().Time("scheduled_for", *req.ScheduledFor).Msg("request recorded for scheduled dispatch")
		return &Response{
			NotificationID: notif.ID,
			Status:         string(lifecycle.StatusPending),
			Mode:           ModeScheduled,
		}, nil
	}

	return d.submit(ctx, log, notif, proc)
}

// submit pushes an already recorded PENDING notification into the pipeline.
// Shared by the request path and the scheduled sweeper.
func (d *Dispatcher) submit(ctx context.Context, log zerolog.Logger, notif *lifecycle.Notification, proc *worker.Processor) (*Response, error) {
	spec := proc.Spec()
	job := queue.NewJob(spec.QueueName, notif.Payload, notif.MaxAttempts)
	job.NotificationID = notif.ID

	if d.monitor.Available() {
		err := d.queue.Enqueue(ctx, spec.QueueName, job)
		if err == nil {
			if _, err := d.lifecycle.UpdateStatus(ctx, notif.ID, lifecycle.StatusQueued, lifecycle.TransitionContext{JobID: job.ID}); err != nil {
				log.Warn().Err(err).Msg("enqueued but failed to mark notification queued")
			}
			log.Info().Str("job_id", job.ID).Str("queue", spec.QueueName).Msg("request dispatched asynchronously")
			return &Response{
				NotificationID: notif.ID,
				Status:         string(lifecycle.StatusQueued),
				Mode:           ModeAsync,
			}, nil
		}
		log.Warn().Err(err).Msg("enqueue failed, falling back to synchronous delivery")
	}

	log.Info().Msg("queue unavailable, delivering synchronously")
	res := proc.Process(ctx, job)

	out := &Response{
		NotificationID: notif.ID,
		Mode:           ModeSync,
		Warning:        syncWarning,
	}
	switch {
	case res.Success:
		out.Status = string(lifecycle.StatusSent)
		out.MessageID = res.MessageID
	case res.Skipped:
		out.Status = string(lifecycle.StatusCancelled)
	case res.Terminal != nil:
		out.Status = string(lifecycle.StatusFailed)
		out.Error = res.Terminal.Error()
	case res.Retryable != nil:
		// No queue means no retry machinery; the record stays FAILED for
		// the replay sweeper to pick up once the backend returns.
		out.Status = string(lifecycle.StatusFailed)
		out.Error = res.Retryable.Error()
	default:
		out.Status = string(lifecycle.StatusFailed)
		out.Error = "unclassified outcome"
	}
	return out, nil
}

// routeFor resolves the processor owning a notification type.
func (d *Dispatcher) routeFor(notificationType string) *worker.Processor {
	for _, p := range d.routes {
		if p.Spec().NotificationType == notificationType {
			return p
		}
	}
	return nil
}
