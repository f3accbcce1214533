package keel

import (
	"log/slog"
)

// Logger defines the logging interface used across keel components.
// Arguments are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}

// slogLogger adapts a *slog.Logger.
type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger returns a Logger backed by l. A nil l uses slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }
