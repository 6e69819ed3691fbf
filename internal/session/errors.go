package session

import "errors"

var (
	// ErrNotFound is returned when no session has the requested id.
	ErrNotFound = errors.New("session: not found")

	// ErrForbidden is returned when the acting user does not own the session.
	ErrForbidden = errors.New("session: forbidden")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("session: already exists")

	// ErrInvalidTransition is returned by Mutate when the change would leave a
	// terminal status, take an edge outside the status graph, touch an
	// immutable field, or decrease the budget or a progress counter.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrAlreadyTerminal may be returned by a mutate function to decline a
	// change because the session has already finished. Mutate passes it
	// through together with the unchanged snapshot.
	ErrAlreadyTerminal = errors.New("session: already terminal")
)
