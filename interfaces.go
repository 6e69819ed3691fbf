package deepresearch

import (
	"context"
	"net/http"
)

// Stepper performs one unit of research work for a session. The worker calls
// it once per poll tick while the session is running and within budget.
// When provided via WithStepper, replaces the built-in paced stepper.
//
// A step is never interrupted by terminate or timeout; those are observed at
// the next tick. Step should still return promptly when ctx is cancelled,
// which happens during shutdown. A returned error fails the session.
type Stepper interface {
	Step(ctx context.Context, session Session) (StepOutcome, error)
}

// Finalizer is optionally implemented by a Stepper. Finalize runs once when a
// driven session halts for any reason, so partial findings can be persisted.
// Failures are logged and do not change the session status.
type Finalizer interface {
	Finalize(ctx context.Context, session Session) error
}

// Middleware wraps the API routes inside authentication, so the caller's
// identity is already on the request context.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
