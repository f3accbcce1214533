// Package assertions provides assertions over keel events: payload and type
// checks, stream and global ordering checks, causation links and event diffs.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	keel "github.com/AshkanYarmoradi/go-keel"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// Payloads returns the decoded payload of every event.
func Payloads(events []keel.Event) []interface{} {
	out := make([]interface{}, len(events))
	for i, e := range events {
		out[i] = e.Data
	}
	return out
}

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []keel.Event, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(events))
	}
	for i, expected := range types {
		if events[i].Type != expected {
			t.Errorf("Event %d: expected type %s, got %s", i, expected, events[i].Type)
		}
	}
}

// AssertPayload checks that the event's payload is a T equal to expected.
func AssertPayload[T any](t TB, event keel.Event, expected T) {
	t.Helper()

	actual, ok := event.Data.(T)
	if !ok {
		t.Fatalf("Event %s is not of expected type %T, got %T", event.Type, expected, event.Data)
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("Event data mismatch:\nExpected: %+v\nActual: %+v", expected, actual)
	}
}

// AssertEventCount checks the number of events.
func AssertEventCount(t TB, events []keel.Event, expected int) {
	t.Helper()

	if len(events) != expected {
		t.Errorf("Expected %d events, got %d", expected, len(events))
	}
}

// AssertNoEvents checks that no events were produced.
func AssertNoEvents(t TB, events []keel.Event) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("Expected no events, got %d: %v", len(events), typeNames(events))
	}
}

// AssertLastEvent checks the last event's payload.
func AssertLastEvent[T any](t TB, events []keel.Event, expected T) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("Expected at least one event, got none")
	}
	AssertPayload(t, events[len(events)-1], expected)
}

// AssertEventAtIndex checks the payload of the event at index.
func AssertEventAtIndex[T any](t TB, events []keel.Event, index int, expected T) {
	t.Helper()

	if index < 0 || index >= len(events) {
		t.Fatalf("Index %d out of bounds, have %d events", index, len(events))
	}
	AssertPayload(t, events[index], expected)
}

// AssertContainsEvent checks that some event carries expected as payload.
func AssertContainsEvent[T any](t TB, events []keel.Event, expected T) {
	t.Helper()

	if CountMatches(events, MatchPayload(expected)) == 0 {
		t.Errorf("Events do not contain expected event: %+v", expected)
	}
}

// AssertStreamSequence checks that events belong to streamName and carry
// consecutive sequence ids starting at from.
func AssertStreamSequence(t TB, events []keel.Event, streamName string, from int64) {
	t.Helper()

	for i, e := range events {
		if e.StreamName != streamName {
			t.Errorf("Event %d: expected stream %s, got %s", i, streamName, e.StreamName)
		}
		if want := from + int64(i); e.SequenceID != want {
			t.Errorf("Event %d: expected sequence id %d, got %d", i, want, e.SequenceID)
		}
	}
}

// AssertGlobalOrder checks that global positions strictly increase.
func AssertGlobalOrder(t TB, events []keel.Event) {
	t.Helper()

	for i := 1; i < len(events); i++ {
		if events[i].GlobalPosition <= events[i-1].GlobalPosition {
			t.Errorf("Event %d: global position %d does not follow %d",
				i, events[i].GlobalPosition, events[i-1].GlobalPosition)
		}
	}
}

// AssertCausedBy checks that effect was raised in response to cause: it
// names cause as its causation and inherits its trace and origin stream.
func AssertCausedBy(t TB, effect, cause keel.Event) {
	t.Helper()

	if effect.Headers.CausationID != cause.ID {
		t.Errorf("Expected causation id %s, got %s", cause.ID, effect.Headers.CausationID)
	}
	if effect.Headers.TraceID != cause.Headers.TraceID {
		t.Errorf("Expected trace id %s, got %s", cause.Headers.TraceID, effect.Headers.TraceID)
	}

	origin := cause.Headers.OriginStream
	if origin == "" {
		origin = cause.StreamName
	}
	if effect.Headers.OriginStream != origin {
		t.Errorf("Expected origin stream %s, got %s", origin, effect.Headers.OriginStream)
	}
}

// EventDiff represents a difference between expected and actual payloads.
type EventDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffPayloads compares expected payloads with the payloads of actual.
func DiffPayloads(expected []interface{}, actual []keel.Event) []EventDiff {
	var diffs []EventDiff

	n := max(len(expected), len(actual))
	for i := 0; i < n; i++ {
		switch {
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i].Data, Type: DiffExtra})
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case !reflect.DeepEqual(expected[i], actual[i].Data):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i].Data, Type: DiffMismatch})
		}
	}

	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, diff := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", diff.Index, diff.Type)
		switch diff.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %T %+v (unexpected)\n", diff.Actual, diff.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %T %+v (missing)\n", diff.Expected, diff.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %T %+v\n", diff.Expected, diff.Expected)
			fmt.Fprintf(&buf, "    + %T %+v\n", diff.Actual, diff.Actual)
		}
	}
	return buf.String()
}

// AssertPayloadsEqual fails with a diff if the payloads of actual differ
// from expected.
func AssertPayloadsEqual(t TB, expected []interface{}, actual []keel.Event) {
	t.Helper()

	if diffs := DiffPayloads(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

func typeNames(events []keel.Event) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Type
	}
	return names
}

// EventMatcher is a function that checks if an event matches certain criteria.
type EventMatcher func(event keel.Event) bool

// MatchEventType matches events of one type.
func MatchEventType(eventType string) EventMatcher {
	return func(e keel.Event) bool { return e.Type == eventType }
}

// MatchStream matches events of one stream.
func MatchStream(streamName string) EventMatcher {
	return func(e keel.Event) bool { return e.StreamName == streamName }
}

// MatchCategory matches events whose stream belongs to category.
func MatchCategory(category string) EventMatcher {
	return func(e keel.Event) bool { return keel.Category(e.StreamName) == category }
}

// MatchPayload matches events whose payload equals expected.
func MatchPayload[T any](expected T) EventMatcher {
	return func(e keel.Event) bool {
		actual, ok := e.Data.(T)
		return ok && reflect.DeepEqual(actual, expected)
	}
}

// AssertAnyMatch checks that at least one event matches the matcher.
func AssertAnyMatch(t TB, events []keel.Event, matcher EventMatcher) {
	t.Helper()

	if CountMatches(events, matcher) == 0 {
		t.Error("No event matched the criteria")
	}
}

// AssertNoneMatch checks that no events match the matcher.
func AssertNoneMatch(t TB, events []keel.Event, matcher EventMatcher) {
	t.Helper()

	for i, e := range events {
		if matcher(e) {
			t.Errorf("Event %d unexpectedly matched: %s %+v", i, e.Type, e.Data)
		}
	}
}

// CountMatches returns the number of events that match the matcher.
func CountMatches(events []keel.Event, matcher EventMatcher) int {
	count := 0
	for _, e := range events {
		if matcher(e) {
			count++
		}
	}
	return count
}

// FilterEvents returns events that match the matcher.
func FilterEvents(events []keel.Event, matcher EventMatcher) []keel.Event {
	var result []keel.Event
	for _, e := range events {
		if matcher(e) {
			result = append(result, e)
		}
	}
	return result
}
