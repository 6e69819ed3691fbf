package storage

import "errors"

var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when creating a document whose id is taken.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrVersionConflict is returned by Save when the stored version no longer
	// matches the version the caller loaded. Callers reload and retry.
	ErrVersionConflict = errors.New("storage: version conflict")
)
