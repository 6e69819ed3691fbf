// Package testutil provides shared test infrastructure: throwaway PostgreSQL
// and Redis containers for integration tests and a quiet logger.
//
// Container helpers never exit the process. When Docker is unavailable they
// return an error and callers skip their integration tests:
//
//	func TestMain(m *testing.M) {
//	    tc, err := testutil.StartPostgres()
//	    if err != nil {
//	        fmt.Printf("Docker not available, integration tests will be skipped: %v\n", err)
//	    }
//	    code := m.Run()
//	    tc.Terminate()
//	    os.Exit(code)
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/angelododaro/open-deep-research/internal/storage"
)

// TestContainer wraps a testcontainers container with the address for connecting.
// For Postgres, DSN is a connection URL; for Redis it is a redis:// URL.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// StartPostgres starts a PostgreSQL container.
func StartPostgres() (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "deepresearch",
			"POSTGRES_PASSWORD": "deepresearch",
			"POSTGRES_DB":       "deepresearch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	return start(req, "5432", func(host, port string) string {
		return fmt.Sprintf("postgres://deepresearch:deepresearch@%s:%s/deepresearch?sslmode=disable", host, port)
	})
}

// StartRedis starts a Redis container.
func StartRedis() (*TestContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	return start(req, "6379", func(host, port string) string {
		return fmt.Sprintf("redis://%s:%s/0", host, port)
	})
}

func start(req testcontainers.ContainerRequest, port nat.Port, dsn func(host, port string) string) (tc *TestContainer, err error) {
	ctx := context.Background()

	// testcontainers panics when no Docker daemon can be found.
	defer func() {
		if r := recover(); r != nil {
			tc, err = nil, fmt.Errorf("testutil: docker not available: %v", r)
		}
	}()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("testutil: start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: get container host: %w", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("testutil: get container port: %w", err)
	}
	return &TestContainer{Container: container, DSN: dsn(host, mapped.Port())}, nil
}

// NewTestDB creates a storage.DB connected to this container and runs all migrations.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container. Safe on a nil receiver.
func (tc *TestContainer) Terminate() {
	if tc == nil || tc.Container == nil {
		return
	}
	_ = tc.Container.Terminate(context.Background())
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
