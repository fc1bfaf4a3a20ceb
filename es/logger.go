package es

import (
	"context"
	"log/slog"
)

// Logger provides a minimal interface for observability and debugging.
// Components accept a nil Logger, in which case logging is skipped entirely.
type Logger interface {
	// Debug logs verbose operational details.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant events during normal execution.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Warn logs recoverable anomalies, such as unknown event types during replay.
	Warn(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures that require attention.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Warn implements Logger.
func (NoOpLogger) Warn(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps l; a nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{l: l}
}

// Debug implements Logger.
func (s *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	s.l.DebugContext(ctx, msg, keyvals...)
}

// Info implements Logger.
func (s *SlogLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	s.l.InfoContext(ctx, msg, keyvals...)
}

// Warn implements Logger.
func (s *SlogLogger) Warn(ctx context.Context, msg string, keyvals ...interface{}) {
	s.l.WarnContext(ctx, msg, keyvals...)
}

// Error implements Logger.
func (s *SlogLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	s.l.ErrorContext(ctx, msg, keyvals...)
}
