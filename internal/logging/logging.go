// Package logging provides structured logging for vkrelay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// For returns l scoped to a component, or a discarding logger when l is nil.
func For(l *slog.Logger, component string, args ...any) *slog.Logger {
	return OrNop(l).With(append([]any{KeyComponent, component}, args...)...)
}

// Common attribute keys for consistent logging.
const (
	KeyHostID    = "host_id"
	KeySessionID = "signing_session_id"
	KeyMethod    = "method"
	KeyPath      = "path"
	KeyURL       = "url"
	KeyStatus    = "status"
	KeyAttempt   = "attempt"
	KeyDelay     = "delay"
	KeyTransport = "transport"
	KeyError     = "error"
	KeyComponent = "component"
	KeyCount     = "count"
)
