package keel

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingLogger captures messages per level.
type recordingLogger struct {
	mu     sync.Mutex
	infos  []string
	warns  []string
	errors []string
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) {}

func (l *recordingLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *recordingLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

func (l *recordingLogger) warnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warns...)
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debugging", "stream", "order-1")
	logger.Info("started", "subscription", "billing")
	logger.Warn("slow")
	logger.Error("failed", "error", "boom")

	out := buf.String()
	assert.Contains(t, out, "msg=debugging stream=order-1")
	assert.Contains(t, out, "msg=started subscription=billing")
	assert.Contains(t, out, "level=WARN msg=slow")
	assert.Contains(t, out, "level=ERROR msg=failed error=boom")
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	assert.NotPanics(t, func() {
		logger.Debug("x")
		logger.Info("x")
		logger.Warn("x")
		logger.Error("x")
	})
	assert.NotNil(t, NewSlogLogger(nil))
}
