package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	deepresearch "github.com/angelododaro/open-deep-research"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env before reading the log level (non-fatal; production won't have one).
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("DEEPRESEARCH_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := deepresearch.New(
		deepresearch.WithLogger(logger),
		deepresearch.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	// Bootstrap storage before the listener opens so a broken schema fails fast.
	if err := app.Init(ctx); err != nil {
		_ = app.Shutdown(context.Background())
		return fmt.Errorf("storage init: %w", err)
	}
	return app.Run(ctx)
}
