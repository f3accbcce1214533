// Package bdd provides Given-When-Then fixtures for event-sourced entities.
//
// Fixture works on a single entity in memory: the given events are folded
// through the entity's AggregateType, the command runs against the live
// entity and the assertions inspect the events it raised. RepositoryFixture
// runs the same flow through a Repository and an EventStore, so optimistic
// concurrency and persistence take part in the test.
package bdd

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	keel "github.com/AshkanYarmoradi/go-keel"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// Fixture tests a single entity of type S.
type Fixture[S any] struct {
	t           TB
	ctx         context.Context
	typ         *keel.AggregateType[S]
	id          string
	givenEvents []interface{}
	entity      *keel.Entity[S]
	result      error
	executed    bool
}

// Given sets up entity id of typ with optional historical event payloads.
// The payloads are folded in order when When runs.
func Given[S any](t TB, typ *keel.AggregateType[S], id string, events ...interface{}) *Fixture[S] {
	t.Helper()
	return &Fixture[S]{
		t:           t,
		ctx:         context.Background(),
		typ:         typ,
		id:          id,
		givenEvents: events,
	}
}

// WithContext sets the context used to rebuild the entity.
func (f *Fixture[S]) WithContext(ctx context.Context) *Fixture[S] {
	f.ctx = ctx
	return f
}

// When rebuilds the entity from the given events and runs command against it.
func (f *Fixture[S]) When(command func(e *keel.Entity[S]) error) *Fixture[S] {
	f.t.Helper()

	history := make([]keel.Event, len(f.givenEvents))
	for i, payload := range f.givenEvents {
		history[i] = keel.Event{
			Type:       keel.GetEventType(payload),
			StreamName: f.typ.StreamName(f.id),
			SequenceID: int64(i),
			Data:       payload,
		}
	}

	entity, err := f.typ.ReconstructEvents(f.ctx, f.id, history)
	if err != nil {
		f.t.Fatalf("bdd: failed to rebuild %s from given events: %v", f.typ.StreamName(f.id), err)
	}
	f.entity = entity

	f.result = command(entity)
	f.executed = true
	return f
}

// Entity returns the entity the command ran against.
func (f *Fixture[S]) Entity() *keel.Entity[S] {
	return f.entity
}

func (f *Fixture[S]) mustHaveRun(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatal("bdd: " + step + "() must be called after When() - no command was executed")
	}
}

func (f *Fixture[S]) mustSucceed(step string) {
	f.t.Helper()
	f.mustHaveRun(step)
	if f.result != nil {
		f.t.Fatalf("Expected success but got error: %v", f.result)
	}
}

// Then asserts the command raised exactly the expected payloads, in order.
func (f *Fixture[S]) Then(expectedEvents ...interface{}) *Fixture[S] {
	f.t.Helper()
	f.mustSucceed("Then")
	assertPayloads(f.t, payloads(f.entity.Pending()), expectedEvents)
	return f
}

// ThenState passes the entity's state after the command to check.
func (f *Fixture[S]) ThenState(check func(t TB, state S)) *Fixture[S] {
	f.t.Helper()
	f.mustSucceed("ThenState")
	check(f.t, f.entity.State())
	return f
}

// ThenVersion asserts the entity version after the command.
func (f *Fixture[S]) ThenVersion(expected int64) *Fixture[S] {
	f.t.Helper()
	f.mustHaveRun("ThenVersion")
	if v := f.entity.Version(); v != expected {
		f.t.Errorf("Expected version %d, got %d", expected, v)
	}
	return f
}

// ThenError asserts the command failed with an error matching expectedErr.
// A rejected command must not leave pending events behind.
func (f *Fixture[S]) ThenError(expectedErr error) {
	f.t.Helper()
	f.mustHaveRun("ThenError")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts that the error message contains a substring.
func (f *Fixture[S]) ThenErrorContains(substring string) {
	f.t.Helper()
	f.mustHaveRun("ThenErrorContains")

	if f.result == nil {
		f.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("Expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts the command succeeded without raising anything.
func (f *Fixture[S]) ThenNoEvents() {
	f.t.Helper()
	f.mustSucceed("ThenNoEvents")

	if pending := f.entity.Pending(); len(pending) > 0 {
		f.t.Errorf("Expected no events, got %d: %+v", len(pending), payloads(pending))
	}
}

// RepositoryFixture tests commands that go through a Repository.
type RepositoryFixture[S any] struct {
	t           TB
	ctx         context.Context
	store       *keel.EventStore
	repo        *keel.Repository[S]
	givenEvents map[string][]interface{}
	givenOrder  []string
	id          string
	entity      *keel.Entity[S]
	before      int64
	err         error
	executed    bool
}

// GivenRepository creates a fixture over repo. store must be the store the
// repository was built on.
func GivenRepository[S any](t TB, store *keel.EventStore, repo *keel.Repository[S]) *RepositoryFixture[S] {
	t.Helper()
	return &RepositoryFixture[S]{
		t:           t,
		ctx:         context.Background(),
		store:       store,
		repo:        repo,
		givenEvents: make(map[string][]interface{}),
	}
}

// WithContext sets a custom context for the command execution.
func (f *RepositoryFixture[S]) WithContext(ctx context.Context) *RepositoryFixture[S] {
	f.ctx = ctx
	return f
}

// WithExistingEvents stores events for entity id before the command runs.
func (f *RepositoryFixture[S]) WithExistingEvents(id string, events ...interface{}) *RepositoryFixture[S] {
	if _, ok := f.givenEvents[id]; !ok {
		f.givenOrder = append(f.givenOrder, id)
	}
	f.givenEvents[id] = append(f.givenEvents[id], events...)
	return f
}

// When appends the existing events and runs command through Repository.Update,
// or against a blank entity that is then saved when id has no events.
func (f *RepositoryFixture[S]) When(id string, command func(e *keel.Entity[S]) error) *RepositoryFixture[S] {
	f.t.Helper()

	typ := f.repo.Type()
	for _, given := range f.givenOrder {
		if _, err := f.store.Append(f.ctx, typ.StreamName(given), keel.AnyVersion, f.givenEvents[given]); err != nil {
			f.t.Fatalf("Failed to store given events for %s: %v", given, err)
		}
	}

	version, err := f.store.StreamVersion(f.ctx, typ.StreamName(id))
	if err != nil {
		f.t.Fatalf("Failed to read version of %s: %v", typ.StreamName(id), err)
	}
	f.id, f.before = id, version

	if version == 0 {
		e := typ.New(id)
		if f.err = command(e); f.err == nil {
			f.err = f.repo.Save(f.ctx, e)
		}
		f.entity = e
	} else {
		f.entity, f.err = f.repo.Update(f.ctx, id, command)
	}
	f.executed = true
	return f
}

// ThenSucceeds asserts the command and the save succeeded.
func (f *RepositoryFixture[S]) ThenSucceeds() *RepositoryFixture[S] {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenSucceeds() must be called after When() - no command was executed")
	}
	if f.err != nil {
		f.t.Fatalf("Expected success but got error: %v", f.err)
	}
	return f
}

// ThenFails asserts the command or the save failed with expectedErr.
func (f *RepositoryFixture[S]) ThenFails(expectedErr error) {
	f.t.Helper()

	if !f.executed {
		f.t.Fatal("bdd: ThenFails() must be called after When() - no command was executed")
	}
	if f.err == nil {
		f.t.Fatal("Expected failure but got success")
	}
	if !errors.Is(f.err, expectedErr) {
		f.t.Errorf("Expected error %v, got %v", expectedErr, f.err)
	}
}

// ThenStored asserts the payloads appended to the entity's stream by the
// command, in order.
func (f *RepositoryFixture[S]) ThenStored(expectedEvents ...interface{}) *RepositoryFixture[S] {
	f.t.Helper()
	f.ThenSucceeds()

	stream := f.repo.Type().StreamName(f.id)
	events, err := f.store.ReadEvents(f.ctx, stream, f.before)
	if err != nil {
		f.t.Fatalf("Failed to read %s: %v", stream, err)
	}
	assertPayloads(f.t, payloads(events), expectedEvents)
	return f
}

// ThenReturnsVersion asserts the version of the entity after the save.
func (f *RepositoryFixture[S]) ThenReturnsVersion(expected int64) *RepositoryFixture[S] {
	f.t.Helper()
	f.ThenSucceeds()

	if v := f.entity.Version(); v != expected {
		f.t.Errorf("Expected version %d, got %d", expected, v)
	}
	return f
}

// ThenState passes the saved entity's state to check.
func (f *RepositoryFixture[S]) ThenState(check func(t TB, state S)) *RepositoryFixture[S] {
	f.t.Helper()
	f.ThenSucceeds()
	check(f.t, f.entity.State())
	return f
}

func payloads(events []keel.Event) []interface{} {
	out := make([]interface{}, len(events))
	for i, e := range events {
		out[i] = e.Data
	}
	return out
}

func assertPayloads(t TB, actual, expected []interface{}) {
	t.Helper()

	if len(actual) != len(expected) {
		t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(actual), expected, actual)
	}
	for i := range expected {
		if !reflect.DeepEqual(actual[i], expected[i]) {
			t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected[i], actual[i])
		}
	}
}
