package storage

import (
	"context"
	"log/slog"
)

// Open selects a backend: PostgreSQL when databaseURL is set, otherwise SQLite
// when sqlitePath is set, otherwise the in-memory backend.
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *slog.Logger) (Backend, error) {
	switch {
	case databaseURL != "":
		return New(ctx, databaseURL, logger)
	case sqlitePath != "":
		return NewSQLite(ctx, sqlitePath, logger)
	default:
		logger.Warn("storage: no DATABASE_URL or DEEPRESEARCH_SQLITE_PATH configured, sessions will not survive a restart")
		return NewMemory(), nil
	}
}
