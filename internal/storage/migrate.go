package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
)

// migrator is the dialect-specific half of the migration runner.
type migrator interface {
	ensureMigrationTable(ctx context.Context) error
	appliedMigrations(ctx context.Context) (map[string]bool, error)
	applyMigration(ctx context.Context, name, content string) error
}

// runMigrations executes unapplied SQL migration files from migrationsFS in
// lexical order. Applied files are tracked in a schema_migrations table so each
// file runs at most once.
func runMigrations(ctx context.Context, m migrator, migrationsFS fs.FS, logger *slog.Logger) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			logger.Debug("migration already applied, skipping", "file", name)
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		logger.Info("running migration", "file", name)
		if err := m.applyMigration(ctx, name, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
	}
	return nil
}
