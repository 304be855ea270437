package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("notification not found")
	// ErrConflict is returned when an optimistic update lost the race: the
	// stored record no longer carries the expected status/attempt pair.
	ErrConflict = errors.New("concurrent modification")
)

// Store is the repository contract for notification records and the template
// catalog. Status transitions require compare-and-set semantics: Update must
// persist only when the stored record still matches prevStatus/prevAttempts.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id string) (*Notification, error)
	Update(ctx context.Context, n *Notification, prevStatus Status, prevAttempts int) error
	List(ctx context.Context) ([]*Notification, error)
	Delete(ctx context.Context, id string) error

	SaveTemplate(ctx context.Context, t *Template) error
	Templates(ctx context.Context, code string) ([]*Template, error)
}

// MemoryStore is an in-process Store used in tests and as a last-resort
// fallback when no Redis backend is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Notification
	templates map[string][]*Template
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Notification),
		templates: make(map[string][]*Template),
	}
}

func (s *MemoryStore) Create(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.records[n.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, n *Notification, prevStatus Status, prevAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.records[n.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != prevStatus || stored.AttemptCount != prevAttempts {
		return ErrConflict
	}
	cp := *n
	s.records[n.ID] = &cp
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Notification, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) SaveTemplate(_ context.Context, t *Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	versions := s.templates[t.Code]
	for i, existing := range versions {
		if existing.Version == t.Version {
			versions[i] = &cp
			return nil
		}
	}
	s.templates[t.Code] = append(versions, &cp)
	return nil
}

func (s *MemoryStore) Templates(_ context.Context, code string) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.templates[code]
	out := make([]*Template, 0, len(versions))
	for _, t := range versions {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
