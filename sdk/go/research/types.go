package research

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusManuallyTerminated Status = "manually_terminated"
	StatusTimedOut           Status = "timed_out"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// IsTerminal reports whether the session has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusManuallyTerminated, StatusTimedOut, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Action is a command applied to a session.
type Action string

const (
	ActionTerminate     Action = "terminate"
	ActionExtendTimeout Action = "extend_timeout"
)

// Progress counts completed research work.
type Progress struct {
	CurrentDepth   int `json:"currentDepth"`
	CompletedSteps int `json:"completedSteps"`
	TotalSteps     int `json:"totalSteps"`
}

// Session is the status projection returned by Status, List and Watch. It
// never carries the time budget.
type Session struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Topic     string    `json:"topic"`
	Progress  Progress  `json:"progress"`
	StartTime time.Time `json:"startTime"`
}

// StartRequest submits a new session. TimeLimitSeconds 0 uses the server
// default; larger values are capped by the server.
type StartRequest struct {
	Topic            string `json:"topic"`
	TimeLimitSeconds int    `json:"timeLimitSeconds,omitempty"`
}

// Started is the newly created session, including the budget the server
// granted so a countdown can start without another round trip.
type Started struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Topic            string    `json:"topic"`
	StartTime        time.Time `json:"startTime"`
	TimeLimitSeconds int       `json:"timeLimitSeconds"`
}

// Countdown returns a presenter for the session's budget.
func (s Started) Countdown() *Countdown {
	return NewCountdown(s.StartTime, time.Duration(s.TimeLimitSeconds)*time.Second)
}

// CommandResult is the outcome of Terminate or ExtendTimeout.
type CommandResult struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// HealthResponse is the response from GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	StorageStatus string `json:"storage_status"`
	Registry      string `json:"registry"`
	ActiveWorkers int    `json:"active_workers"`
	Uptime        int64  `json:"uptime_seconds"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
