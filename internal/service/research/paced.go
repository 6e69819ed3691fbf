package research

import (
	"context"
	"time"

	"github.com/angelododaro/open-deep-research/internal/model"
)

const pacedMaxDepth = 3

// PacedStepper is a stand-in research engine: each step waits StepDuration
// and advances the counters, finishing after Steps steps.
type PacedStepper struct {
	StepDuration time.Duration
	Steps        int
}

// Step implements Stepper.
func (p PacedStepper) Step(ctx context.Context, s model.ResearchSession) (StepOutcome, error) {
	timer := time.NewTimer(p.StepDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StepOutcome{}, ctx.Err()
	case <-timer.C:
	}

	total := max(p.Steps, 1)
	done := min(s.CompletedSteps+1, total)
	depth := (done*pacedMaxDepth + total - 1) / total
	return StepOutcome{
		CurrentDepth:       depth,
		CompletedSteps:     done,
		TotalExpectedSteps: total,
		Done:               done >= total,
	}, nil
}
