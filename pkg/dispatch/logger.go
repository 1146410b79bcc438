package dispatch

import (
	"context"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// Logger wraps slog.Logger with trace ID support.
type Logger struct {
	*slog.Logger
	traceEnabled bool
}

// NewLogger creates a new logger with the specified configuration.
func NewLogger(cfg LoggingConfig) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{
		Logger:       slog.New(handler),
		traceEnabled: cfg.TraceEnabled,
	}
}

// WithTraceID attaches a fresh trace ID to the context.
func WithTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceIDKey{}, uuid.NewString())
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(traceIDKey{}).(string)
	return id, ok
}

func (l *Logger) withTrace(ctx context.Context, args []any) []any {
	if l.traceEnabled {
		if traceID, ok := GetTraceID(ctx); ok {
			args = append([]any{"trace_id", traceID}, args...)
		}
	}
	return args
}

// InfoContext logs an info message with trace ID if enabled.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, l.withTrace(ctx, args)...)
}

// ErrorContext logs an error message with trace ID if enabled.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WarnContext logs a warning message with trace ID if enabled.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, l.withTrace(ctx, args)...)
}

// DebugContext logs a debug message with trace ID if enabled.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, l.withTrace(ctx, args)...)
}

// WithWorker returns a logger with worker name attached.
func (l *Logger) WithWorker(name string) *Logger {
	return &Logger{Logger: l.Logger.With("worker", name), traceEnabled: l.traceEnabled}
}

// WithJob returns a logger with job id attached.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{Logger: l.Logger.With("job_id", jobID), traceEnabled: l.traceEnabled}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
