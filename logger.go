package evcache

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with cache-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogAdd logs an add operation.
func (l *Logger) LogAdd(ctx context.Context, id string, dimension int, ttl time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "add failed",
			"id", id,
			"dimension", dimension,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "add completed",
			"id", id,
			"dimension", dimension,
			"ttl", ttl,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, k, results int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", results,
			"duration", duration,
		)
	}
}

// LogCleanup logs a cleanup pass.
func (l *Logger) LogCleanup(ctx context.Context, removed, remaining int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "cleanup failed",
			"removed", removed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "cleanup completed",
			"removed", removed,
			"remaining", remaining,
			"duration", duration,
		)
	}
}

// LogSnapshot logs a snapshot save.
func (l *Logger) LogSnapshot(ctx context.Context, entries int, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"entries", entries,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot completed",
			"entries", entries,
			"duration", duration,
		)
	}
}

// LogRestore logs a snapshot restore.
func (l *Logger) LogRestore(ctx context.Context, restored, skipped int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "restore failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "restore completed",
			"restored", restored,
			"skipped_expired", skipped,
		)
	}
}

// LogFallback logs a fallback from an accelerated index build to CPU.
func (l *Logger) LogFallback(ctx context.Context, requested string, err error) {
	l.WarnContext(ctx, "accelerated index unavailable, falling back to cpu",
		"requested", requested,
		"reason", err,
	)
}
