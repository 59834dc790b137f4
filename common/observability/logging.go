// Package observability provides structured logging helpers for Stevedore.
//
// It wraps log/slog with trace ID propagation so log lines emitted while a
// command executes carry the same trace context as the audit trail and the
// chat reply.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/bdobrica/stevedore/common/trace"
)

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTrace returns a logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
