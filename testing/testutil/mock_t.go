package testutil

import (
	"fmt"
	"runtime"
	"strings"
	"testing"
)

// MockT records the failures reported by test helpers such as the bdd and
// assertions packages. Message holds the last format string or message,
// without its arguments; Reports holds every failure fully formatted.
type MockT struct {
	testing.TB // embed to satisfy unexported methods
	Failed_    bool
	Fatal_     bool
	Message    string
	Reports    []string
	Logs       []string
}

func (m *MockT) report(fatal bool, message, formatted string) {
	m.Failed_ = true
	m.Fatal_ = m.Fatal_ || fatal
	m.Message = message
	m.Reports = append(m.Reports, formatted)
}

func firstString(args []any) string {
	if len(args) > 0 {
		if msg, ok := args[0].(string); ok {
			return msg
		}
	}
	return ""
}

// NewMockT creates a new MockT instance.
func NewMockT() *MockT {
	return &MockT{Logs: make([]string, 0)}
}

// Reported reports whether any failure message contains substr.
func (m *MockT) Reported(substr string) bool {
	for _, r := range m.Reports {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) {
	m.report(false, firstString(args), fmt.Sprint(args...))
}

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) {
	m.report(false, format, fmt.Sprintf(format, args...))
}

// Fail implements testing.TB.
func (m *MockT) Fail() { m.Failed_ = true }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.Failed_ = true
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool { return m.Failed_ }

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.report(true, firstString(args), fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.report(true, format, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// Log implements testing.TB.
func (m *MockT) Log(args ...any) { m.Logs = append(m.Logs, fmt.Sprint(args...)) }

// Logf implements testing.TB.
func (m *MockT) Logf(format string, args ...any) {
	m.Logs = append(m.Logs, fmt.Sprintf(format, args...))
}

// RunWithMockT runs fn on its own goroutine so Fatal and FailNow can end it
// with runtime.Goexit, and returns the MockT once fn is done.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}
