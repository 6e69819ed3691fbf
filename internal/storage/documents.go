// Package storage provides the durable document layer for research sessions.
//
// Sessions are persisted as opaque JSON documents keyed by id, with owner and
// status mirrored into columns for listing and sweeping. Three backends share
// one contract: PostgreSQL (pgxpool), SQLite (modernc.org/sqlite) and an
// in-process memory backend for development and tests. Every backend also
// carries the append-only mutation audit log.
package storage

import (
	"context"
	"time"
)

// Document is one stored record. Version is a compare-and-swap token: Save
// succeeds only when it matches the stored version, and the stored version is
// incremented on every successful write.
type Document struct {
	ID        string
	OwnerID   string
	Status    string
	Version   int64
	Body      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentStore is the durable key-value document interface used by the
// session store. Implementations must be safe for concurrent use.
type DocumentStore interface {
	// Create inserts a new document at version 1. Returns ErrAlreadyExists if
	// the id is taken.
	Create(ctx context.Context, doc Document) (Document, error)

	// Load returns the document with the given id, or ErrNotFound.
	Load(ctx context.Context, id string) (Document, error)

	// Save replaces the document if doc.Version equals the stored version and
	// returns the document at its new version. Returns ErrVersionConflict on
	// mismatch and ErrNotFound if the id does not exist.
	Save(ctx context.Context, doc Document) (Document, error)

	// ListByOwner returns the owner's documents, newest first.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Document, error)

	// ListByStatus returns documents whose status is one of statuses, oldest first.
	ListByStatus(ctx context.Context, statuses []string, limit int) ([]Document, error)
}

// AuditLog appends mutation audit entries. The log is append-only.
type AuditLog interface {
	InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error
}

// Backend is a complete storage backend: documents, audit log, schema
// bootstrap and lifecycle.
type Backend interface {
	DocumentStore
	AuditLog

	// Kind names the backend for health output ("postgres", "sqlite", "memory").
	Kind() string

	// Migrate brings the schema up to date. Idempotent.
	Migrate(ctx context.Context) error

	Ping(ctx context.Context) error
	Close(ctx context.Context)
}

const defaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
