// Package research implements the Lifecycle Controller and the worker side of
// the session lifecycle.
//
// The Controller serves client commands (submit, terminate, extend, status)
// with ownership checks that never reveal whether another user's session
// exists. The Worker advances one session by polling: it consumes extension
// signals, honours terminal states, enforces the time budget and runs one
// step per tick. Cancellation is cooperative: a running step is never
// interrupted, so the reaction latency to terminate or timeout is bounded by
// the longest step.
//
// Both the HTTP API and the MCP server delegate to the Controller.
package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelododaro/open-deep-research/internal/ctxutil"
	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/session"
	"github.com/angelododaro/open-deep-research/internal/storage"
)

const resourceType = "research_session"

// ControllerConfig holds the budget policy for new sessions.
type ControllerConfig struct {
	DefaultTimeLimit time.Duration
	MaxTimeLimit     time.Duration

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// CommandResult is the outcome of a terminate or extend_timeout command.
type CommandResult struct {
	Status          model.Status
	Changed         bool // the command changed state or registered a signal
	AlreadyTerminal bool // the session had already finished; nothing was done
	Message         string
}

// Controller is the Lifecycle Controller.
type Controller struct {
	store    *session.Store
	registry session.Registry
	audit    storage.AuditLog
	launcher Launcher
	cfg      ControllerConfig
	logger   *slog.Logger
	metrics  *metrics
}

// NewController creates a Controller. audit and launcher may be nil: without
// a launcher, submitted sessions wait for an external worker.
func NewController(
	store *session.Store,
	registry session.Registry,
	audit storage.AuditLog,
	launcher Launcher,
	cfg ControllerConfig,
	logger *slog.Logger,
) *Controller {
	if cfg.DefaultTimeLimit <= 0 {
		cfg.DefaultTimeLimit = model.DefaultTimeLimitSeconds * time.Second
	}
	if cfg.MaxTimeLimit < cfg.DefaultTimeLimit {
		cfg.MaxTimeLimit = cfg.DefaultTimeLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Controller{
		store:    store,
		registry: registry,
		audit:    audit,
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(),
	}
}

// Submit creates a session for caller and starts it.
func (c *Controller) Submit(ctx context.Context, caller string, req model.CreateResearchRequest) (model.CreatedSession, error) {
	if caller == "" {
		return model.CreatedSession{}, ErrUnauthenticated
	}
	if err := model.ValidateCreateResearch(req); err != nil {
		return model.CreatedSession{}, fmt.Errorf("%w: %s", ErrInvalidInput, err.Error())
	}

	limit := c.cfg.DefaultTimeLimit
	if req.TimeLimitSeconds > 0 {
		limit = c.cfg.MaxTimeLimit
		if req.TimeLimitSeconds < int(c.cfg.MaxTimeLimit/time.Second) {
			limit = time.Duration(req.TimeLimitSeconds) * time.Second
		}
	}

	rs := model.ResearchSession{
		ID:               uuid.NewString(),
		UserID:           caller,
		Status:           model.StatusPending,
		Topic:            strings.TrimSpace(req.Topic),
		StartTime:        c.cfg.Clock().UTC().Truncate(time.Millisecond),
		TimeLimitSeconds: int(limit / time.Second),
	}
	if _, err := c.store.Create(ctx, rs); err != nil {
		return model.CreatedSession{}, fmt.Errorf("research: submit: %w", err)
	}

	rs, err := c.store.Mutate(ctx, rs.ID, session.Actor{UserID: caller, Kind: session.ActorUser},
		func(s *model.ResearchSession) error {
			if s.Status != model.StatusPending {
				return session.ErrAlreadyTerminal
			}
			s.Status = model.StatusRunning
			return nil
		})
	if err != nil && !errors.Is(err, session.ErrAlreadyTerminal) {
		return model.CreatedSession{}, fmt.Errorf("research: start %s: %w", rs.ID, err)
	}

	c.metrics.started.Add(ctx, 1)
	c.metrics.transition(ctx, rs.Status)
	c.recordAudit(ctx, caller, "submit", rs.ID, nil, rs, nil)
	c.logger.Info("research session submitted",
		"session_id", rs.ID,
		"user_id", caller,
		"time_limit_seconds", rs.TimeLimitSeconds)

	if c.launcher != nil && rs.Status == model.StatusRunning {
		c.launcher.Launch(rs)
	}

	return model.CreatedSession{
		ID:               rs.ID,
		Status:           rs.Status,
		Topic:            rs.Topic,
		StartTime:        rs.StartTime,
		TimeLimitSeconds: rs.TimeLimitSeconds,
	}, nil
}

// Apply dispatches a client command.
func (c *Controller) Apply(ctx context.Context, id, caller string, action model.Action) (CommandResult, error) {
	switch action {
	case model.ActionTerminate:
		return c.Terminate(ctx, id, caller)
	case model.ActionExtendTimeout:
		return c.ExtendTimeout(ctx, id, caller)
	default:
		if caller == "" {
			return CommandResult{}, ErrUnauthenticated
		}
		return CommandResult{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

// Terminate requests cooperative cancellation. Success means the request is
// recorded, not that the worker has stopped. Terminating a finished session
// succeeds without changing it.
func (c *Controller) Terminate(ctx context.Context, id, caller string) (CommandResult, error) {
	if err := checkArgs(id, caller); err != nil {
		return CommandResult{}, err
	}

	var before model.ResearchSession
	rs, err := c.store.Mutate(ctx, id, session.Actor{UserID: caller, Kind: session.ActorUser},
		func(s *model.ResearchSession) error {
			before = *s
			if s.Status.IsTerminal() {
				return session.ErrAlreadyTerminal
			}
			s.Status = model.StatusManuallyTerminated
			return nil
		})
	switch {
	case isHidden(err):
		c.metrics.command(ctx, model.ActionTerminate, "not_found")
		return CommandResult{}, ErrNotFoundOrForbidden
	case errors.Is(err, session.ErrAlreadyTerminal), errors.Is(err, session.ErrInvalidTransition):
		c.metrics.command(ctx, model.ActionTerminate, "noop")
		return CommandResult{
			Status:          rs.Status,
			AlreadyTerminal: true,
			Message:         fmt.Sprintf("research session already %s", rs.Status),
		}, nil
	case err != nil:
		c.metrics.command(ctx, model.ActionTerminate, "error")
		return CommandResult{}, fmt.Errorf("research: terminate %s: %w", id, err)
	}

	c.metrics.command(ctx, model.ActionTerminate, "ok")
	c.metrics.transition(ctx, rs.Status)
	c.recordAudit(ctx, caller, "terminate", id,
		map[string]any{"status": before.Status},
		map[string]any{"status": rs.Status},
		nil)
	c.logger.Info("research session terminated", "session_id", id, "user_id", caller)

	return CommandResult{
		Status:  rs.Status,
		Changed: true,
		Message: "research termination requested",
	}, nil
}

// ExtendTimeout registers an extension signal. It does not change the budget:
// the worker applies the grant when it next consumes the signal, and requests
// made before that collapse into one grant.
func (c *Controller) ExtendTimeout(ctx context.Context, id, caller string) (CommandResult, error) {
	if err := checkArgs(id, caller); err != nil {
		return CommandResult{}, err
	}

	rs, err := c.store.GetOwned(ctx, id, caller)
	if isHidden(err) {
		c.metrics.command(ctx, model.ActionExtendTimeout, "not_found")
		return CommandResult{}, ErrNotFoundOrForbidden
	}
	if err != nil {
		c.metrics.command(ctx, model.ActionExtendTimeout, "error")
		return CommandResult{}, fmt.Errorf("research: extend %s: %w", id, err)
	}

	if rs.Status.IsTerminal() {
		c.metrics.command(ctx, model.ActionExtendTimeout, "noop")
		return CommandResult{
			Status:          rs.Status,
			AlreadyTerminal: true,
			Message:         fmt.Sprintf("research session already %s; no extension registered", rs.Status),
		}, nil
	}

	if err := c.registry.Request(ctx, id); err != nil {
		c.metrics.command(ctx, model.ActionExtendTimeout, "error")
		return CommandResult{}, fmt.Errorf("research: extend %s: %w", id, err)
	}

	c.metrics.command(ctx, model.ActionExtendTimeout, "ok")
	c.recordAudit(ctx, caller, "extend_timeout", id, nil, nil,
		map[string]any{"time_limit_seconds": rs.TimeLimitSeconds})
	c.logger.Info("research extension requested", "session_id", id, "user_id", caller)

	return CommandResult{
		Status:  rs.Status,
		Changed: true,
		Message: "research timeout extension requested",
	}, nil
}

// GetStatus returns the caller's view of a session. No side effects.
func (c *Controller) GetStatus(ctx context.Context, id, caller string) (model.StatusView, error) {
	if err := checkArgs(id, caller); err != nil {
		return model.StatusView{}, err
	}
	rs, err := c.store.GetOwned(ctx, id, caller)
	if isHidden(err) {
		return model.StatusView{}, ErrNotFoundOrForbidden
	}
	if err != nil {
		return model.StatusView{}, fmt.Errorf("research: status %s: %w", id, err)
	}
	return rs.View(), nil
}

// List returns the caller's sessions, newest first.
func (c *Controller) List(ctx context.Context, caller string, limit int) ([]model.StatusView, error) {
	if caller == "" {
		return nil, ErrUnauthenticated
	}
	sessions, err := c.store.ListByOwner(ctx, caller, limit)
	if err != nil {
		return nil, fmt.Errorf("research: list: %w", err)
	}
	views := make([]model.StatusView, 0, len(sessions))
	for _, rs := range sessions {
		views = append(views, rs.View())
	}
	return views, nil
}

func checkArgs(id, caller string) error {
	if caller == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: research id is required", ErrInvalidInput)
	}
	return nil
}

// isHidden reports whether err must be reported as not-found-or-forbidden.
func isHidden(err error) bool {
	return errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrForbidden)
}

// recordAudit appends a mutation audit entry outside the session write. It
// retries briefly and logs on failure; the command has already succeeded.
func (c *Controller) recordAudit(ctx context.Context, caller, operation, id string, before, after any, metadata map[string]any) {
	if c.audit == nil {
		return
	}
	meta := ctxutil.AuditMetaFromContext(ctx)
	entry := storage.MutationAuditEntry{
		RequestID:    meta.RequestID,
		ActorUserID:  caller,
		ActorKind:    string(session.ActorUser),
		HTTPMethod:   meta.HTTPMethod,
		Endpoint:     meta.Endpoint,
		Operation:    operation,
		ResourceType: resourceType,
		ResourceID:   id,
		BeforeData:   before,
		AfterData:    after,
		Metadata:     metadata,
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3 && writeCtx.Err() == nil; attempt++ {
		if lastErr = c.audit.InsertMutationAudit(writeCtx, entry); lastErr == nil {
			return
		}
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
		}
	}
	c.logger.Error("mutation audit write failed",
		"operation", operation,
		"session_id", id,
		"request_id", meta.RequestID,
		"error", lastErr)
}
