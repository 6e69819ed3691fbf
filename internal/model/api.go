package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTopicLen bounds the opaque topic payload accepted at creation.
const MaxTopicLen = 2000

// Action is a client command applied to an existing session.
type Action string

const (
	ActionTerminate     Action = "terminate"
	ActionExtendTimeout Action = "extend_timeout"
)

// Valid reports whether a is a recognised command.
func (a Action) Valid() bool {
	return a == ActionTerminate || a == ActionExtendTimeout
}

// ResearchCommandRequest is the request body for POST /research.
type ResearchCommandRequest struct {
	ResearchID string `json:"researchId"`
	Action     Action `json:"action"`
}

// CreateResearchRequest is the request body for POST /research/sessions.
type CreateResearchRequest struct {
	Topic            string `json:"topic"`
	TimeLimitSeconds int    `json:"timeLimitSeconds,omitempty"`
}

// ValidateCreateResearch checks the fields of a creation request.
func ValidateCreateResearch(req CreateResearchRequest) error {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if utf8.RuneCountInString(topic) > MaxTopicLen {
		return fmt.Errorf("topic exceeds maximum length of %d characters", MaxTopicLen)
	}
	if req.TimeLimitSeconds < 0 {
		return fmt.Errorf("timeLimitSeconds must not be negative")
	}
	return nil
}

// CommandResponse is the response body for POST /research.
type CommandResponse struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// StatusResponse is the response body for GET /research.
type StatusResponse struct {
	Success bool       `json:"success"`
	Data    StatusView `json:"data"`
}

// CreatedSession is returned when a session is submitted. It carries the
// budget so clients can run their countdown without another round trip.
type CreatedSession struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	Topic            string    `json:"topic"`
	StartTime        time.Time `json:"startTime"`
	TimeLimitSeconds int       `json:"timeLimitSeconds"`
}

// CreatedResponse is the response body for POST /research/sessions.
type CreatedResponse struct {
	Success bool           `json:"success"`
	Data    CreatedSession `json:"data"`
}

// ListResponse is the response body for GET /research/sessions.
type ListResponse struct {
	Success bool         `json:"success"`
	Data    []StatusView `json:"data"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Success bool         `json:"success"`
	Error   ErrorDetail  `json:"error"`
	Meta    ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in error responses.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidAction = "INVALID_ACTION"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Storage       string `json:"storage"`
	StorageStatus string `json:"storage_status"`
	Registry      string `json:"registry"`
	ActiveWorkers int    `json:"active_workers"`
	Uptime        int64  `json:"uptime_seconds"`
}
