package research

import (
	"context"

	"github.com/angelododaro/open-deep-research/internal/model"
)

// StepOutcome is the progress reported by one unit of research work. Counters
// are absolute values; the worker never lets them decrease.
type StepOutcome struct {
	CurrentDepth       int
	CompletedSteps     int
	TotalExpectedSteps int
	Done               bool
}

// Stepper performs one unit of research work for a session. A Step should
// return promptly when ctx is cancelled; otherwise it is never interrupted.
type Stepper interface {
	Step(ctx context.Context, s model.ResearchSession) (StepOutcome, error)
}

// Finalizer is optionally implemented by a Stepper to persist partial results
// once a session halts for any reason.
type Finalizer interface {
	Finalize(ctx context.Context, s model.ResearchSession) error
}

// Launcher starts driving a session in the background.
type Launcher interface {
	Launch(s model.ResearchSession) bool
}
