// Package logger provides structured logging on top of log/slog with
// trace id propagation through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Logger embeds *slog.Logger, so call sites use Info/Debug/Warn/Error with
// key/value pairs.
type Logger struct {
	*slog.Logger
}

// NewLogger builds a JSON logger on stdout. Unknown levels fall back to info.
func NewLogger(level string) *Logger {
	return New(os.Stdout, level)
}

func New(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything; handy in tests.
func Discard() *Logger {
	return New(io.Discard, "error")
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// With returns a child logger carrying args on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithContext attaches the trace id from ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	tid := TraceID(ctx)
	if tid == "" {
		return l
	}
	return l.With(slog.String("trace_id", tid))
}

// WithTraceID stores a trace id in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace id from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func NewTraceID() string {
	return uuid.NewString()
}
