// Package logger configures structured logging.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Context keys for structured logging
type contextKey string

const (
	ContextKeySessionID contextKey = "session_id"
	ContextKeyRunID     contextKey = "run_id"
	ContextKeyCommandID contextKey = "command_id"
)

// Init installs the default slog logger.
// format is "json" or "text"; level is one of debug, info, warn, error.
func Init(format, level string) *slog.Logger {
	return InitWriter(os.Stdout, format, level)
}

// InitWriter is Init with an explicit output.
func InitWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithSession stores the session id on ctx.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeySessionID, sessionID)
}

// WithRun stores the session and run ids on ctx.
func WithRun(ctx context.Context, sessionID, runID string) context.Context {
	ctx = context.WithValue(ctx, ContextKeySessionID, sessionID)
	return context.WithValue(ctx, ContextKeyRunID, runID)
}

// WithCommand stores the command id on ctx.
func WithCommand(ctx context.Context, commandID string) context.Context {
	return context.WithValue(ctx, ContextKeyCommandID, commandID)
}

// From returns the default logger with the fields stored on ctx.
func From(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctx == nil {
		return l
	}
	if v := SessionID(ctx); v != "" {
		l = l.With("session_id", v)
	}
	if v := RunID(ctx); v != "" {
		l = l.With("run_id", v)
	}
	if v, ok := ctx.Value(ContextKeyCommandID).(string); ok && v != "" {
		l = l.With("command_id", v)
	}
	return l
}

// SessionID returns the session id stored on ctx, if any.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeySessionID).(string)
	return v
}

// RunID returns the run id stored on ctx, if any.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(ContextKeyRunID).(string)
	return v
}
