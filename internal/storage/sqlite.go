package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered as "sqlite"

	"github.com/angelododaro/open-deep-research/migrations"
)

// sqliteTimeFormat is fixed-width so that lexical order equals time order.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteDB is the single-node SQLite backend.
type SQLiteDB struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Backend = (*SQLiteDB)(nil)

// NewSQLite opens (creating if needed) the database file at path. WAL mode and
// a busy timeout let concurrent readers coexist with the single writer.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteDB, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: sqlite path is required")
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	return &SQLiteDB{db: db, logger: logger}, nil
}

// Kind implements Backend.
func (s *SQLiteDB) Kind() string { return "sqlite" }

// Ping implements Backend.
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Backend.
func (s *SQLiteDB) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLiteDB) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s, migrations.SQLite(), s.logger)
}

func (s *SQLiteDB) ensureMigrationTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (s *SQLiteDB) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteDB) applyMigration(ctx context.Context, name, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, content); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// Create implements DocumentStore.
func (s *SQLiteDB) Create(ctx context.Context, doc Document) (Document, error) {
	now := time.Now().UTC()
	doc.Version = 1
	doc.CreatedAt = now
	doc.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO research_sessions (id, owner_id, status, version, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.OwnerID, doc.Status, doc.Version, string(doc.Body),
		formatSQLiteTime(doc.CreatedAt), formatSQLiteTime(doc.UpdatedAt),
	)
	if err != nil {
		return Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Document{}, fmt.Errorf("storage: create document: %w", err)
	} else if n == 0 {
		return Document{}, fmt.Errorf("storage: create document %s: %w", doc.ID, ErrAlreadyExists)
	}
	return doc, nil
}

// Load implements DocumentStore.
func (s *SQLiteDB) Load(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM research_sessions WHERE id = ?`, id)
	doc, err := scanSQLiteDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("storage: load document: %w", err)
	}
	return doc, nil
}

// Save implements DocumentStore.
func (s *SQLiteDB) Save(ctx context.Context, doc Document) (Document, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE research_sessions
		 SET status = ?, body = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		doc.Status, string(doc.Body), formatSQLiteTime(now), doc.ID, doc.Version,
	)
	if err != nil {
		return Document{}, fmt.Errorf("storage: save document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Document{}, fmt.Errorf("storage: save document: %w", err)
	}
	if n == 1 {
		return s.Load(ctx, doc.ID)
	}

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM research_sessions WHERE id = ?`, doc.ID,
	).Scan(&exists); err != nil {
		return Document{}, fmt.Errorf("storage: save document: %w", err)
	}
	if exists == 0 {
		return Document{}, fmt.Errorf("storage: document %s: %w", doc.ID, ErrNotFound)
	}
	return Document{}, fmt.Errorf("storage: save document %s: %w", doc.ID, ErrVersionConflict)
}

// ListByOwner implements DocumentStore.
func (s *SQLiteDB) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM research_sessions
		 WHERE owner_id = ? ORDER BY created_at DESC LIMIT ?`,
		ownerID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list documents by owner: %w", err)
	}
	return collectSQLiteDocuments(rows)
}

// ListByStatus implements DocumentStore.
func (s *SQLiteDB) ListByStatus(ctx context.Context, statuses []string, limit int) ([]Document, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM research_sessions
		 WHERE status IN (`+placeholders+`) ORDER BY created_at ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list documents by status: %w", err)
	}
	return collectSQLiteDocuments(rows)
}

// InsertMutationAudit implements AuditLog.
func (s *SQLiteDB) InsertMutationAudit(ctx context.Context, e MutationAuditEntry) error {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mutation_audit_log (
			id, request_id, actor_user_id, actor_kind, http_method, endpoint,
			operation, resource_type, resource_id, before_data, after_data, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.ActorUserID, e.ActorKind, e.HTTPMethod, e.Endpoint,
		e.Operation, e.ResourceType, e.ResourceID,
		nullableText(before), nullableText(after), string(meta), formatSQLiteTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}

// CountMutationAudit returns the number of audit rows for a resource.
func (s *SQLiteDB) CountMutationAudit(ctx context.Context, resourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM mutation_audit_log WHERE resource_id = ?`, resourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count mutation audit: %w", err)
	}
	return n, nil
}

func scanSQLiteDocument(row interface{ Scan(...any) error }) (Document, error) {
	var (
		d                Document
		body             string
		created, updated string
	)
	if err := row.Scan(&d.ID, &d.OwnerID, &d.Status, &d.Version, &body, &created, &updated); err != nil {
		return Document{}, err
	}
	d.Body = []byte(body)
	var err error
	if d.CreatedAt, err = time.Parse(sqliteTimeFormat, created); err != nil {
		return Document{}, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(sqliteTimeFormat, updated); err != nil {
		return Document{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return d, nil
}

func collectSQLiteDocuments(rows *sql.Rows) ([]Document, error) {
	defer func() { _ = rows.Close() }()
	var docs []Document
	for rows.Next() {
		d, err := scanSQLiteDocument(rows)
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

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
