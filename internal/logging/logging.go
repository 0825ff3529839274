// Package logging provides a shared slog.Logger wiring for pop3d:
// level parsing from configuration strings, and context propagation
// so every layer (server, pop3, mbox) logs through the same logger
// without threading it through every function signature.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

// NewLogger creates a structured logger writing to stderr at the given
// level ("debug", "info", "warn", "error"; unrecognized values fall
// back to "info").
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewContext returns a context carrying logger, retrievable via FromContext.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored in ctx, or slog.Default() if none.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
