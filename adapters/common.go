package adapters

import (
	"fmt"
	"strings"
)

// Version constants for optimistic concurrency control.
const (
	// AnyVersion skips version checking.
	AnyVersion int64 = -1

	// NoStream is the version of a stream that holds no events.
	NoStream int64 = 0
)

// ExtractCategory extracts the category from a stream name.
// Stream names follow the format "category-identifier"; the category is
// the portion before the first hyphen.
//
//   - "order-123" returns "order"
//   - "user-abc-def" returns "user"
//   - "nohyphen" returns "nohyphen"
func ExtractCategory(streamName string) string {
	if streamName == "" {
		return ""
	}
	category, _, _ := strings.Cut(streamName, "-")
	return category
}

// ConcurrencyError provides details about a concurrency conflict.
type ConcurrencyError struct {
	StreamName      string
	ExpectedVersion int64
	ActualVersion   int64
}

// NewConcurrencyError creates a new ConcurrencyError.
func NewConcurrencyError(streamName string, expected, actual int64) *ConcurrencyError {
	return &ConcurrencyError{
		StreamName:      streamName,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// Error implements the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("keel: concurrency conflict on stream %q: expected version %d, actual version %d",
		e.StreamName, e.ExpectedVersion, e.ActualVersion)
}

// Is reports whether target is ErrConcurrencyConflict.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError provides details about a missing stream.
type StreamNotFoundError struct {
	StreamName string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamName string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamName: streamName}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("keel: stream %q not found", e.StreamName)
}

// Is reports whether target is ErrStreamNotFound.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion validates the expected version against the current stream
// version. It implements the optimistic concurrency rule shared by all
// adapters: AnyVersion always passes, any other negative value is invalid,
// and otherwise the versions must be equal.
func CheckVersion(streamName string, expected, current int64) error {
	if expected == AnyVersion {
		return nil
	}
	if expected < 0 {
		return ErrInvalidVersion
	}
	if current != expected {
		return NewConcurrencyError(streamName, expected, current)
	}
	return nil
}

// DefaultLimit returns defaultValue if limit is not positive.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}

// CopyHeaders returns a deep copy of h.
func CopyHeaders(h Headers) Headers {
	if h.Custom != nil {
		custom := make(map[string]string, len(h.Custom))
		for k, v := range h.Custom {
			custom[k] = v
		}
		h.Custom = custom
	}
	return h
}

// CopyDeadLetter returns a deep copy of a dead letter.
func CopyDeadLetter(letter *DeadLetter) *DeadLetter {
	if letter == nil {
		return nil
	}
	cp := *letter
	cp.Payload = append([]byte(nil), letter.Payload...)
	return &cp
}
