package research

import "errors"

var (
	// ErrUnauthenticated is returned when a command carries no caller identity.
	ErrUnauthenticated = errors.New("research: unauthenticated")

	// ErrNotFoundOrForbidden is returned both when the session does not exist
	// and when the caller does not own it. Callers cannot tell the two apart.
	ErrNotFoundOrForbidden = errors.New("research: session not found")

	// ErrInvalidAction is returned for an unrecognised command.
	ErrInvalidAction = errors.New("research: invalid action")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("research: invalid input")
)
