// Package logging wires zerolog the way the rest of the stack expects:
// structured, timestamped, and trace-enriched when a span is live.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Init configures the global zerolog logger. If logPath is non-empty, logs
// are additionally written to that file (append mode); failures to open it
// fall back to stdout-only and print a warning to stderr.
func Init(logPath, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = io.MultiWriter(os.Stdout, f)
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "logging: failed to open log file %q: %v\n", logPath, err)
		}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	logger = logger.Level(parseLevel(level))
	zerolog.DefaultContextLogger = &logger
	return logger
}

func parseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	if level == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// WithTrace returns logger enriched with trace_id/span_id from ctx, if a
// sampled span is present. Components should prefer this over the bare
// logger when logging inside a request- or cycle-scoped context.
func WithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return logger
	}
	l := logger.With().Str("trace_id", sc.TraceID().String())
	if sc.HasSpanID() {
		l = l.Str("span_id", sc.SpanID().String())
	}
	return l.Logger()
}
