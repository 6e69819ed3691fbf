package deepresearch

import "time"

// Status is the lifecycle state of a research session.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusManuallyTerminated Status = "manually_terminated"
	StatusTimedOut           Status = "timed_out"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusManuallyTerminated, StatusTimedOut, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is the public representation of a research session handed to a
// Stepper. It is a snapshot: changing it has no effect on the stored session.
// No internal package imports, so it is safe to use from outside the module.
type Session struct {
	ID               string
	UserID           string
	Topic            string
	Status           Status
	StartTime        time.Time
	TimeLimitSeconds int

	CurrentDepth       int
	CompletedSteps     int
	TotalExpectedSteps int
}

// Remaining is the unspent budget at now, never negative.
func (s Session) Remaining(now time.Time) time.Duration {
	left := s.StartTime.Add(time.Duration(s.TimeLimitSeconds)*time.Second).Sub(now)
	return max(left, 0)
}

// StepOutcome is the progress reported by one unit of research work.
// Counters are absolute; the worker never lets them decrease.
type StepOutcome struct {
	CurrentDepth       int
	CompletedSteps     int
	TotalExpectedSteps int

	// Done marks the research as finished; the session completes.
	Done bool
}
