// Package model defines the core domain types for research sessions.
//
// A ResearchSession is the lifecycle record of one asynchronous research job.
// Status moves through a small DAG with a single entry (pending→running) and
// four sinks; time remaining is always derived from StartTime and
// TimeLimitSeconds, never stored.
package model

import (
	"time"
)

// Status represents the lifecycle state of a research session.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusManuallyTerminated Status = "manually_terminated"
	StatusTimedOut           Status = "timed_out"
	StatusCompleted          Status = "completed"
	// StatusFailed is the sink for worker-side step failures so that polling
	// clients never wait on a session that will not progress.
	StatusFailed Status = "failed"
)

// Budget defaults shared by the server, the worker and the client presenter.
const (
	DefaultTimeLimitSeconds = 270 // 4.5 minutes
	ExtensionGrantSeconds   = 300
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusManuallyTerminated, StatusTimedOut, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusManuallyTerminated, StatusTimedOut, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// transitions lists the allowed status edges. Self-edges are always allowed
// and are not listed.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusManuallyTerminated, StatusTimedOut, StatusFailed},
	StatusRunning: {StatusManuallyTerminated, StatusTimedOut, StatusCompleted, StatusFailed},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ResearchSession is the authoritative lifecycle record of one research job.
// ID, UserID, Topic and StartTime are immutable after creation. TimeLimitSeconds
// and the progress counters never decrease.
type ResearchSession struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	Status             Status     `json:"status"`
	Topic              string     `json:"topic"`
	StartTime          time.Time  `json:"startTime"`
	TimeLimitSeconds   int        `json:"timeLimitSeconds"`
	CurrentDepth       int        `json:"currentDepth"`
	CompletedSteps     int        `json:"completedSteps"`
	TotalExpectedSteps int        `json:"totalExpectedSteps"`
	Error              string     `json:"error,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// TimeLimit returns the session budget as a duration.
func (s ResearchSession) TimeLimit() time.Duration {
	return time.Duration(s.TimeLimitSeconds) * time.Second
}

// Deadline returns the wall-clock instant at which the budget is exhausted.
func (s ResearchSession) Deadline() time.Time {
	return s.StartTime.Add(s.TimeLimit())
}

// Remaining returns max(0, timeLimit - (now - startTime)).
func (s ResearchSession) Remaining(now time.Time) time.Duration {
	return RemainingAt(s.StartTime, s.TimeLimit(), now)
}

// Expired reports whether the budget is exhausted at now.
func (s ResearchSession) Expired(now time.Time) bool {
	return !now.Before(s.Deadline())
}

// RemainingAt is the budget formula shared with clients: it is recomputed
// from wall-clock values on every call and never goes negative.
func RemainingAt(start time.Time, limit time.Duration, now time.Time) time.Duration {
	remaining := limit - now.Sub(start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Progress is the client-facing view of the worker's counters.
type Progress struct {
	CurrentDepth   int `json:"currentDepth"`
	CompletedSteps int `json:"completedSteps"`
	TotalSteps     int `json:"totalSteps"`
}

// StatusView is the read-only projection returned by get_status. It does not
// carry TimeLimitSeconds; clients receive the budget when the session is created.
type StatusView struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Topic     string    `json:"topic"`
	Progress  Progress  `json:"progress"`
	StartTime time.Time `json:"startTime"`
}

// View projects the session into its client-facing status view.
func (s ResearchSession) View() StatusView {
	return StatusView{
		ID:     s.ID,
		Status: s.Status,
		Topic:  s.Topic,
		Progress: Progress{
			CurrentDepth:   s.CurrentDepth,
			CompletedSteps: s.CompletedSteps,
			TotalSteps:     s.TotalExpectedSteps,
		},
		StartTime: s.StartTime,
	}
}
