// Command anamnesisd runs the anamnesis memory and contradiction-tracking
// server: the MCP tool surface (anamnesis_remember, anamnesis_recall,
// anamnesis_resolve) plus the background decay, integrity-proof, and
// idempotency-cleanup loops, all wired by the anamnesis package.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anamnesis-ai/anamnesis"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("ANAMNESIS_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
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
	app, err := anamnesis.New(
		anamnesis.WithVersion(version),
		anamnesis.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
