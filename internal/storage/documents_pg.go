package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const documentColumns = `id, owner_id, status, version, body, created_at, updated_at`

// Create implements DocumentStore.
func (db *DB) Create(ctx context.Context, doc Document) (Document, error) {
	now := time.Now().UTC()
	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO research_sessions (id, owner_id, status, version, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.OwnerID, doc.Status, doc.Version, doc.Body, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Document{}, fmt.Errorf("storage: create document %s: %w", doc.ID, ErrAlreadyExists)
	}
	return doc, nil
}

// Load implements DocumentStore.
func (db *DB) Load(ctx context.Context, id string) (Document, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM research_sessions WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("storage: load document: %w", err)
	}
	return doc, nil
}

// Save implements DocumentStore. The WHERE clause on version makes the write a
// compare-and-swap; a miss is disambiguated into not-found or conflict.
func (db *DB) Save(ctx context.Context, doc Document) (Document, error) {
	now := time.Now().UTC()
	err := db.pool.QueryRow(ctx,
		`UPDATE research_sessions
		 SET status = $2, body = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5
		 RETURNING version, created_at, updated_at`,
		doc.ID, doc.Status, doc.Body, now, doc.Version,
	).Scan(&doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Document{}, fmt.Errorf("storage: save document: %w", err)
	}

	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM research_sessions WHERE id = $1)`, doc.ID,
	).Scan(&exists); err != nil {
		return Document{}, fmt.Errorf("storage: save document: %w", err)
	}
	if !exists {
		return Document{}, fmt.Errorf("storage: document %s: %w", doc.ID, ErrNotFound)
	}
	return Document{}, fmt.Errorf("storage: save document %s: %w", doc.ID, ErrVersionConflict)
}

// ListByOwner implements DocumentStore.
func (db *DB) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Document, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM research_sessions
		 WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2`,
		ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list documents by owner: %w", err)
	}
	return collectDocuments(rows)
}

// ListByStatus implements DocumentStore.
func (db *DB) ListByStatus(ctx context.Context, statuses []string, limit int) ([]Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM research_sessions
		 WHERE status = ANY($1) ORDER BY created_at ASC LIMIT $2`,
		statuses, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list documents by status: %w", err)
	}
	return collectDocuments(rows)
}

// InsertMutationAudit implements AuditLog.
func (db *DB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
	before, after, meta, err := auditPayloads(e)
	if err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO mutation_audit_log (
			id, request_id, actor_user_id, actor_kind, http_method, endpoint,
			operation, resource_type, resource_id, before_data, after_data, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.RequestID, e.ActorUserID, e.ActorKind, e.HTTPMethod, e.Endpoint,
		e.Operation, e.ResourceType, e.ResourceID, before, after, meta, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.OwnerID, &d.Status, &d.Version, &d.Body, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate documents: %w", err)
	}
	return docs, nil
}
