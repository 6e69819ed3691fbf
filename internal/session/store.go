// Package session implements the Session Store and the Extension Signal
// Registry.
//
// The Store keeps each ResearchSession as a JSON document in a storage
// backend. Mutations on one id are linearized by an in-process keyed mutex
// and, across processes sharing a backend, by a compare-and-swap on the
// document version. The Store never holds two session locks at once.
//
// The Registry is deliberately separate from the Store: extension requests
// are cheap ephemeral flags that must not contend with session writes.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/storage"
)

// Backend is the document backend the Store persists into.
type Backend interface {
	storage.DocumentStore
	Kind() string
	Migrate(ctx context.Context) error
}

// ActorKind classifies who is mutating a session.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorWorker ActorKind = "worker"
	ActorSystem ActorKind = "system"
)

// Actor identifies the party performing a mutation. UserID must be the
// session owner; workers and the sweeper act on the owner's behalf.
type Actor struct {
	UserID string
	Kind   ActorKind
}

// Observer is notified after every committed create or mutation. It must not block.
type Observer func(model.ResearchSession)

// MutateFunc edits a copy of the session. Returning an error aborts the
// mutation; the Store then returns the unchanged snapshot with that error.
type MutateFunc func(s *model.ResearchSession) error

const (
	casMaxRetries = 8
	casBaseDelay  = 5 * time.Millisecond
)

// Store is the authoritative Session Store.
type Store struct {
	backend Backend
	logger  *slog.Logger
	locks   *keyedMutex
	now     func() time.Time

	obsMu     sync.RWMutex
	observers []Observer

	initMu   sync.Mutex
	initDone bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used for UpdatedAt and FinishedAt stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init prepares the backend schema. It is idempotent and safe to call
// concurrently: the first successful outcome is cached, a failure is logged
// and returned and the next call tries again.
func (s *Store) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initDone {
		return nil
	}
	start := time.Now()
	if err := s.backend.Migrate(ctx); err != nil {
		s.logger.Error("session store init failed", "backend", s.backend.Kind(), "error", err)
		return fmt.Errorf("session: init: %w", err)
	}
	s.initDone = true
	s.logger.Info("session store initialized",
		"backend", s.backend.Kind(),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Kind returns the backend kind.
func (s *Store) Kind() string { return s.backend.Kind() }

// Subscribe registers fn to be called after every committed change. fn runs
// while the session's lock is held and must not call back into the Store.
func (s *Store) Subscribe(fn Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) notify(rs model.ResearchSession) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(rs)
	}
}

// Create persists a new session.
func (s *Store) Create(ctx context.Context, rs model.ResearchSession) (model.ResearchSession, error) {
	if err := validateNew(rs); err != nil {
		return model.ResearchSession{}, err
	}
	rs.UpdatedAt = s.now().UTC()

	unlock := s.locks.Lock(rs.ID)
	defer unlock()

	body, err := json.Marshal(rs)
	if err != nil {
		return model.ResearchSession{}, fmt.Errorf("session: encode %s: %w", rs.ID, err)
	}
	_, err = s.backend.Create(ctx, storage.Document{
		ID:      rs.ID,
		OwnerID: rs.UserID,
		Status:  string(rs.Status),
		Body:    body,
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return model.ResearchSession{}, fmt.Errorf("session: create %s: %w", rs.ID, ErrAlreadyExists)
	}
	if err != nil {
		return model.ResearchSession{}, fmt.Errorf("session: create %s: %w", rs.ID, err)
	}
	s.notify(rs)
	return rs, nil
}

// Get returns the session with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.ResearchSession, error) {
	rs, _, err := s.load(ctx, id)
	return rs, err
}

// GetOwned returns the session if ownerID owns it, ErrForbidden if someone
// else does.
func (s *Store) GetOwned(ctx context.Context, id, ownerID string) (model.ResearchSession, error) {
	rs, err := s.Get(ctx, id)
	if err != nil {
		return model.ResearchSession{}, err
	}
	if rs.UserID != ownerID {
		return model.ResearchSession{}, fmt.Errorf("session: %s: %w", id, ErrForbidden)
	}
	return rs, nil
}

// Mutate applies fn to session id atomically with respect to every other
// Mutate on the same id. It returns the committed session. A function that
// leaves the session unchanged commits nothing and notifies no observer.
func (s *Store) Mutate(ctx context.Context, id string, actor Actor, fn MutateFunc) (model.ResearchSession, error) {
	unlock := s.locks.Lock(id)

	var (
		result    model.ResearchSession
		committed bool
	)
	err := storage.WithRetry(ctx, casMaxRetries, casBaseDelay, func() error {
		committed = false
		cur, doc, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if cur.UserID != actor.UserID {
			return fmt.Errorf("session: %s: %w", id, ErrForbidden)
		}
		result = cur

		next := cloneSession(cur)
		if err := fn(&next); err != nil {
			return err
		}

		same, err := equalSessions(cur, next)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		if err := validateChange(cur, next); err != nil {
			return fmt.Errorf("session: %s: %w", id, err)
		}

		now := s.now().UTC()
		next.UpdatedAt = now
		if next.Status.IsTerminal() && next.FinishedAt == nil {
			next.FinishedAt = &now
		}
		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("session: encode %s: %w", id, err)
		}
		doc.Status = string(next.Status)
		doc.Body = body
		if _, err := s.backend.Save(ctx, doc); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("session: %s: %w", id, ErrNotFound)
			}
			return err
		}
		result = next
		committed = true
		return nil
	})
	// Observers run under the per-id lock so commits on one id reach them in order.
	if err == nil && committed {
		s.notify(result)
	}
	unlock()

	if err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			s.logger.Warn("session: mutate gave up after repeated version conflicts",
				"session_id", id, "actor_kind", actor.Kind)
		}
		return result, err
	}
	return result, nil
}

// ListByOwner returns the owner's sessions, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]model.ResearchSession, error) {
	docs, err := s.backend.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list by owner: %w", err)
	}
	return decodeAll(docs)
}

// ListActive returns pending and running sessions, oldest first.
func (s *Store) ListActive(ctx context.Context, limit int) ([]model.ResearchSession, error) {
	docs, err := s.backend.ListByStatus(ctx,
		[]string{string(model.StatusPending), string(model.StatusRunning)}, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}
	return decodeAll(docs)
}

func (s *Store) load(ctx context.Context, id string) (model.ResearchSession, storage.Document, error) {
	doc, err := s.backend.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ResearchSession{}, storage.Document{}, fmt.Errorf("session: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ResearchSession{}, storage.Document{}, fmt.Errorf("session: load %s: %w", id, err)
	}
	rs, err := decode(doc)
	if err != nil {
		return model.ResearchSession{}, storage.Document{}, err
	}
	return rs, doc, nil
}

func decode(doc storage.Document) (model.ResearchSession, error) {
	var rs model.ResearchSession
	if err := json.Unmarshal(doc.Body, &rs); err != nil {
		return model.ResearchSession{}, fmt.Errorf("session: decode %s: %w", doc.ID, err)
	}
	return rs, nil
}

func decodeAll(docs []storage.Document) ([]model.ResearchSession, error) {
	out := make([]model.ResearchSession, 0, len(docs))
	for _, d := range docs {
		rs, err := decode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, nil
}

func cloneSession(rs model.ResearchSession) model.ResearchSession {
	if rs.FinishedAt != nil {
		t := *rs.FinishedAt
		rs.FinishedAt = &t
	}
	return rs
}

func equalSessions(a, b model.ResearchSession) (bool, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("session: encode: %w", err)
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("session: encode: %w", err)
	}
	return bytes.Equal(ab, bb), nil
}

func validateNew(rs model.ResearchSession) error {
	switch {
	case rs.ID == "":
		return fmt.Errorf("session: create: id is required")
	case rs.UserID == "":
		return fmt.Errorf("session: create %s: user id is required", rs.ID)
	case rs.TimeLimitSeconds <= 0:
		return fmt.Errorf("session: create %s: time limit must be positive", rs.ID)
	case rs.Status != model.StatusPending && rs.Status != model.StatusRunning:
		return fmt.Errorf("session: create %s: initial status %q: %w", rs.ID, rs.Status, ErrInvalidTransition)
	}
	return nil
}

// validateChange enforces the session invariants on a proposed change.
func validateChange(cur, next model.ResearchSession) error {
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, cur.Status)
	}
	if next.ID != cur.ID || next.UserID != cur.UserID || next.Topic != cur.Topic || !next.StartTime.Equal(cur.StartTime) {
		return fmt.Errorf("%w: immutable field changed", ErrInvalidTransition)
	}
	if !model.CanTransition(cur.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	if next.TimeLimitSeconds < cur.TimeLimitSeconds {
		return fmt.Errorf("%w: time limit decreased", ErrInvalidTransition)
	}
	if next.CurrentDepth < cur.CurrentDepth ||
		next.CompletedSteps < cur.CompletedSteps ||
		next.TotalExpectedSteps < cur.TotalExpectedSteps {
		return fmt.Errorf("%w: progress decreased", ErrInvalidTransition)
	}
	return nil
}
