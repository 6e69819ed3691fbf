package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/session"
)

// WorkerConfig controls the poll cadence and the extension grant.
type WorkerConfig struct {
	PollInterval   time.Duration
	ExtensionGrant time.Duration

	// Clock defaults to time.Now. Budget checks use it.
	Clock func() time.Time
}

// TickResult reports what one Tick did.
type TickResult struct {
	Session  model.ResearchSession
	Extended bool // an extension signal was consumed and the grant applied
	Stepped  bool // one unit of work ran
	Finished bool // the session is terminal; stop driving it
}

// Worker drives sessions through the poll contract.
type Worker struct {
	store    *session.Store
	registry session.Registry
	stepper  Stepper
	cfg      WorkerConfig
	logger   *slog.Logger
	metrics  *metrics
}

// NewWorker creates a Worker.
func NewWorker(store *session.Store, registry session.Registry, stepper Stepper, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ExtensionGrant <= 0 {
		cfg.ExtensionGrant = model.ExtensionGrantSeconds * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Worker{
		store:    store,
		registry: registry,
		stepper:  stepper,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(),
	}
}

// Tick performs one iteration of the poll contract for session id:
//
//  1. consume a pending extension signal and add the grant;
//  2. stop if the session is already terminal;
//  3. time the session out if its budget is exhausted;
//  4. otherwise run one step and record progress.
//
// When the result is Finished the Finalizer, if any, has run. Callers stop
// ticking a finished session.
func (w *Worker) Tick(ctx context.Context, id, owner string) (TickResult, error) {
	actor := session.Actor{UserID: owner, Kind: session.ActorWorker}
	var res TickResult

	rs, extended, err := w.applyExtension(ctx, id, actor)
	if err != nil {
		return res, err
	}
	res.Session, res.Extended = rs, extended

	if rs.Status.IsTerminal() {
		return w.finish(ctx, res), nil
	}

	if rs.Expired(w.cfg.Clock()) {
		rs, err = w.transition(ctx, id, actor, model.StatusTimedOut, "")
		if err != nil {
			return res, err
		}
		res.Session = rs
		w.logger.Info("research session timed out",
			"session_id", id, "time_limit_seconds", rs.TimeLimitSeconds)
		return w.finish(ctx, res), nil
	}

	if rs.Status == model.StatusPending {
		if rs, err = w.transition(ctx, id, actor, model.StatusRunning, ""); err != nil {
			return res, err
		}
		res.Session = rs
		if rs.Status.IsTerminal() {
			return w.finish(ctx, res), nil
		}
	}

	outcome, stepErr := w.stepper.Step(ctx, rs)
	if stepErr != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		w.logger.Warn("research step failed", "session_id", id, "error", stepErr)
		rs, err = w.transition(ctx, id, actor, model.StatusFailed, stepErr.Error())
		if err != nil {
			return res, err
		}
		res.Session = rs
		return w.finish(ctx, res), nil
	}
	res.Stepped = true

	rs, err = w.store.Mutate(ctx, id, actor, func(s *model.ResearchSession) error {
		if s.Status.IsTerminal() {
			return session.ErrAlreadyTerminal
		}
		s.CurrentDepth = max(s.CurrentDepth, outcome.CurrentDepth)
		s.CompletedSteps = max(s.CompletedSteps, outcome.CompletedSteps)
		s.TotalExpectedSteps = max(s.TotalExpectedSteps, outcome.TotalExpectedSteps)
		if outcome.Done {
			s.Status = model.StatusCompleted
		}
		return nil
	})
	res.Session = rs
	switch {
	case errors.Is(err, session.ErrAlreadyTerminal):
		// Terminated while the step ran; the step's progress is discarded.
		return w.finish(ctx, res), nil
	case err != nil:
		return res, fmt.Errorf("research: record progress %s: %w", id, err)
	}

	if rs.Status == model.StatusCompleted {
		w.metrics.transition(ctx, rs.Status)
		w.logger.Info("research session completed",
			"session_id", id, "completed_steps", rs.CompletedSteps)
		return w.finish(ctx, res), nil
	}
	return res, nil
}

// Drive ticks session id on the poll interval until it finishes or ctx is
// cancelled. Transient store errors are logged and retried on the next tick.
func (w *Worker) Drive(ctx context.Context, id, owner string) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, err := w.Tick(ctx, id, owner)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrForbidden):
			return err
		case err != nil:
			w.logger.Warn("research worker tick failed", "session_id", id, "error", err)
		case res.Finished:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// applyExtension consumes a pending signal and adds the grant. Registry
// failures are logged and treated as no signal. A grant that fails to commit
// leaves the signal pending.
func (w *Worker) applyExtension(ctx context.Context, id string, actor session.Actor) (model.ResearchSession, bool, error) {
	consumed, err := w.registry.Consume(ctx, id)
	if err != nil {
		w.logger.Warn("research worker: consume extension signal", "session_id", id, "error", err)
		consumed = false
	}
	if !consumed {
		rs, err := w.store.Get(ctx, id)
		return rs, false, err
	}

	grant := int(w.cfg.ExtensionGrant / time.Second)
	rs, err := w.store.Mutate(ctx, id, actor, func(s *model.ResearchSession) error {
		if s.Status.IsTerminal() {
			return session.ErrAlreadyTerminal
		}
		s.TimeLimitSeconds += grant
		return nil
	})
	if errors.Is(err, session.ErrAlreadyTerminal) {
		return rs, false, nil
	}
	if err != nil {
		// Put the signal back so the next poll retries the grant.
		if rerr := w.registry.Request(context.WithoutCancel(ctx), id); rerr != nil {
			w.logger.Error("research worker: restore extension signal", "session_id", id, "error", rerr)
		}
		return rs, false, fmt.Errorf("research: apply extension %s: %w", id, err)
	}
	w.metrics.extensions.Add(ctx, 1)
	w.logger.Info("research extension applied",
		"session_id", id, "time_limit_seconds", rs.TimeLimitSeconds)
	return rs, true, nil
}

// transition moves the session to status unless it is already terminal, in
// which case the stored session is returned unchanged.
func (w *Worker) transition(ctx context.Context, id string, actor session.Actor, to model.Status, reason string) (model.ResearchSession, error) {
	rs, err := w.store.Mutate(ctx, id, actor, func(s *model.ResearchSession) error {
		if s.Status.IsTerminal() {
			return session.ErrAlreadyTerminal
		}
		s.Status = to
		if reason != "" {
			s.Error = reason
		}
		return nil
	})
	if errors.Is(err, session.ErrAlreadyTerminal) {
		return rs, nil
	}
	if err != nil {
		return rs, fmt.Errorf("research: transition %s to %s: %w", id, to, err)
	}
	w.metrics.transition(ctx, to)
	return rs, nil
}

// finish runs the Finalizer and drops any extension signal left behind.
func (w *Worker) finish(ctx context.Context, res TickResult) TickResult {
	res.Finished = true
	fctx := context.WithoutCancel(ctx)

	if f, ok := w.stepper.(Finalizer); ok {
		if err := f.Finalize(fctx, res.Session); err != nil {
			w.logger.Warn("research finalize failed", "session_id", res.Session.ID, "error", err)
		}
	}
	if _, err := w.registry.Consume(fctx, res.Session.ID); err != nil {
		w.logger.Debug("research worker: clear extension signal", "session_id", res.Session.ID, "error", err)
	}
	return res
}
