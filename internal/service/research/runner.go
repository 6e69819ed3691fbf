package research

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/angelododaro/open-deep-research/internal/model"
)

// Runner drives each launched session in its own goroutine, at most one per
// session id. A failing session never cancels the others.
type Runner struct {
	worker *Worker
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	active  map[string]struct{}
	stopped bool
}

var _ Launcher = (*Runner)(nil)

// NewRunner creates a Runner whose workers stop when parent is cancelled or
// Stop is called.
func NewRunner(parent context.Context, worker *Worker, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	return &Runner{
		worker: worker,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Launch starts driving s. It returns false if s is already being driven or
// the Runner has stopped.
func (r *Runner) Launch(s model.ResearchSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	if _, ok := r.active[s.ID]; ok {
		return false
	}
	r.active[s.ID] = struct{}{}

	id, owner := s.ID, s.UserID
	r.group.Go(func() error {
		defer r.release(id)
		err := r.worker.Drive(r.ctx, id, owner)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("research worker stopped", "session_id", id, "error", err)
		}
		return nil
	})
	return true
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Active reports whether a local worker is driving id.
func (r *Runner) Active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Count returns the number of sessions being driven.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Stop refuses new launches and cancels running workers. A step in progress
// observes the cancellation through its context.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() error {
	return r.group.Wait()
}
