package keel

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReplayMode tells whether an entity is being rebuilt from history or is
// handling new events.
type ReplayMode int

const (
	// ModeLive checks invariants around every raised event.
	ModeLive ReplayMode = iota

	// ModeReplaying folds historical events and defers invariant checks
	// until the last event has been applied.
	ModeReplaying
)

// String returns the string representation of the mode.
func (m ReplayMode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// Handler folds one event into entity state. Handlers must be pure: the
// same state and event always produce the same result, and the input state
// is never mutated in place.
type Handler[S any] func(state S, evt Event) (S, error)

type handlerKey struct {
	EntityType string
	EventType  string
}

type invariant[S any] struct {
	name  string
	check func(S) error
}

// AggregateType describes one kind of event-sourced entity: how to build
// blank state, which handler folds each event type, and which invariants
// must hold after every live change.
//
// Registration happens during startup; an AggregateType must not be
// modified once entities are being built from it.
type AggregateType[S any] struct {
	name       string
	factory    func() S
	handlers   map[handlerKey]Handler[S]
	examples   map[string]interface{}
	invariants []invariant[S]
}

// NewAggregateType creates an AggregateType. The name doubles as the stream
// category of its entities, so it must not contain a hyphen.
func NewAggregateType[S any](name string, factory func() S) *AggregateType[S] {
	if name == "" || strings.Contains(name, "-") {
		panic(fmt.Sprintf("keel: invalid entity type name %q", name))
	}
	if factory == nil {
		factory = func() S {
			var zero S
			return zero
		}
	}
	return &AggregateType[S]{
		name:     name,
		factory:  factory,
		handlers: make(map[handlerKey]Handler[S]),
		examples: make(map[string]interface{}),
	}
}

// Name returns the entity type name.
func (t *AggregateType[S]) Name() string {
	return t.name
}

// On registers the handler for eventType. Registering the same event type
// twice panics.
func (t *AggregateType[S]) On(eventType string, h Handler[S]) *AggregateType[S] {
	key := handlerKey{EntityType: t.name, EventType: eventType}
	if _, exists := t.handlers[key]; exists {
		panic(fmt.Sprintf("keel: duplicate handler for event type %q on entity type %q", eventType, t.name))
	}
	t.handlers[key] = h
	return t
}

// HandleFunc registers a typed handler. The event type name is taken from E
// the same way GetEventType does, and E is remembered so repositories can
// register it with their serializer.
//
// This is a top-level function because Go does not allow type parameters
// on methods.
func HandleFunc[S, E any](t *AggregateType[S], fn func(state S, payload E) (S, error)) {
	var zero E
	eventType := GetEventType(zero)
	if eventType == "" {
		panic(fmt.Sprintf("keel: cannot derive event type name from %T", zero))
	}
	t.examples[eventType] = zero
	t.On(eventType, func(state S, evt Event) (S, error) {
		payload, ok := evt.Data.(E)
		if !ok {
			return state, fmt.Errorf("%w: %s expects %T, got %T", ErrUnexpectedPayload, evt.Type, zero, evt.Data)
		}
		return fn(state, payload)
	})
}

// Invariant registers a named check that must hold for live state.
func (t *AggregateType[S]) Invariant(name string, check func(S) error) *AggregateType[S] {
	t.invariants = append(t.invariants, invariant[S]{name: name, check: check})
	return t
}

// EventTypes returns the registered event type names.
func (t *AggregateType[S]) EventTypes() []string {
	types := make([]string, 0, len(t.handlers))
	for key := range t.handlers {
		types = append(types, key.EventType)
	}
	return types
}

// EventExamples returns a zero value per event type registered through HandleFunc.
func (t *AggregateType[S]) EventExamples() map[string]interface{} {
	out := make(map[string]interface{}, len(t.examples))
	for k, v := range t.examples {
		out[k] = v
	}
	return out
}

func (t *AggregateType[S]) handler(eventType string) (Handler[S], bool) {
	h, ok := t.handlers[handlerKey{EntityType: t.name, EventType: eventType}]
	return h, ok
}

func (t *AggregateType[S]) checkInvariants(id string, state S) error {
	for _, inv := range t.invariants {
		if err := inv.check(state); err != nil {
			return &InvariantError{EntityType: t.name, EntityID: id, Invariant: inv.name, Cause: err}
		}
	}
	return nil
}

// StreamName returns the stream that holds the events of entity id.
func (t *AggregateType[S]) StreamName(id string) string {
	return BuildStreamName(t.name, id)
}

// New returns a blank live entity.
func (t *AggregateType[S]) New(id string) *Entity[S] {
	return t.newEntity(id, ModeLive)
}

func (t *AggregateType[S]) newEntity(id string, mode ReplayMode) *Entity[S] {
	return &Entity[S]{
		typ:   t,
		id:    id,
		state: t.factory(),
		mode:  mode,
	}
}

// Create builds a blank live entity and raises its creation event.
func (t *AggregateType[S]) Create(id string, payload interface{}, opts ...RaiseOption) (*Entity[S], error) {
	e := t.New(id)
	if err := e.Raise(payload, opts...); err != nil {
		return nil, err
	}
	return e, nil
}

// replayContext locates the event being folded for error reporting.
type replayContext struct {
	entityType string
	streamName string
	sequenceID int64
}

func (rc *replayContext) fail(err error) error {
	return &ReplayError{
		EntityType: rc.entityType,
		StreamName: rc.streamName,
		SequenceID: rc.sequenceID,
		Err:        err,
	}
}

// Reconstruct rebuilds entity id by folding events in order. Invariants are
// checked once after the last event. The returned entity is live and has no
// pending events.
func (t *AggregateType[S]) Reconstruct(ctx context.Context, id string, events iter.Seq2[Event, error]) (*Entity[S], error) {
	e := t.newEntity(id, ModeReplaying)
	rc := &replayContext{entityType: t.name, streamName: e.StreamName()}

	for evt, err := range events {
		if err != nil {
			return nil, rc.fail(err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rc.sequenceID = evt.SequenceID
		if err := e.replay(evt); err != nil {
			return nil, rc.fail(err)
		}
	}

	if err := t.checkInvariants(id, e.state); err != nil {
		return nil, rc.fail(err)
	}

	e.persisted = e.version
	e.mode = ModeLive
	return e, nil
}

// ReconstructEvents is Reconstruct over a slice.
func (t *AggregateType[S]) ReconstructEvents(ctx context.Context, id string, events []Event) (*Entity[S], error) {
	return t.Reconstruct(ctx, id, EventSeq(events))
}

// EventSeq adapts a slice to the sequence type taken by Reconstruct.
func EventSeq(events []Event) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for _, e := range events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Entity is one event-sourced entity instance.
type Entity[S any] struct {
	typ       *AggregateType[S]
	id        string
	version   int64
	persisted int64
	state     S
	pending   []Event
	mode      ReplayMode
}

// ID returns the entity identity.
func (e *Entity[S]) ID() string { return e.id }

// Type returns the entity type name.
func (e *Entity[S]) Type() string { return e.typ.name }

// StreamName returns the stream holding the entity's events.
func (e *Entity[S]) StreamName() string { return e.typ.StreamName(e.id) }

// Version returns the number of events folded into the entity, pending ones included.
func (e *Entity[S]) Version() int64 { return e.version }

// PersistedVersion returns the stream version the entity was loaded at or last saved at.
func (e *Entity[S]) PersistedVersion() int64 { return e.persisted }

// State returns the current state.
func (e *Entity[S]) State() S { return e.state }

// Mode returns the current replay mode.
func (e *Entity[S]) Mode() ReplayMode { return e.mode }

// Pending returns the raised events not yet appended.
func (e *Entity[S]) Pending() []Event {
	return append([]Event(nil), e.pending...)
}

// HasPending reports whether there are events waiting to be appended.
func (e *Entity[S]) HasPending() bool { return len(e.pending) > 0 }

func (e *Entity[S]) markCommitted() {
	e.pending = nil
	e.persisted = e.version
}

// RaiseOption sets headers on a raised event.
type RaiseOption func(*Headers)

// WithCausation records the event that caused the raised one.
func WithCausation(eventID string) RaiseOption {
	return func(h *Headers) { h.CausationID = eventID }
}

// WithCorrelation sets the correlation id.
func WithCorrelation(id string) RaiseOption {
	return func(h *Headers) { h.CorrelationID = id }
}

// WithOrigin records the stream the causation chain started from.
func WithOrigin(streamName string) RaiseOption {
	return func(h *Headers) { h.OriginStream = streamName }
}

// CausedBy copies the tracing context of cause: its id becomes the causation
// id, and the origin stream and correlation id carry over.
func CausedBy(cause Event) RaiseOption {
	return func(h *Headers) {
		h.CausationID = cause.ID
		h.CorrelationID = cause.Headers.CorrelationID
		h.TraceID = cause.Headers.TraceID
		h.OriginStream = cause.Headers.OriginStream
		if h.OriginStream == "" {
			h.OriginStream = cause.StreamName
		}
	}
}

// Raise folds a new event into the entity and queues it for append.
//
// The version is incremented first, then invariants are checked, the handler
// runs and invariants are checked again. On any failure state and version
// are left as they were before the call.
func (e *Entity[S]) Raise(payload interface{}, opts ...RaiseOption) error {
	if e.mode != ModeLive {
		return fmt.Errorf("keel: cannot raise events on %s %q while %s", e.typ.name, e.id, e.mode)
	}
	if payload == nil {
		return fmt.Errorf("keel: cannot raise a nil event")
	}

	var headers Headers
	for _, opt := range opts {
		opt(&headers)
	}

	prevState, prevVersion := e.state, e.version
	rollback := func(err error) error {
		e.state, e.version = prevState, prevVersion
		return err
	}

	e.version++
	evt := Event{
		ID:         uuid.NewString(),
		Type:       GetEventType(payload),
		StreamName: e.StreamName(),
		SequenceID: e.version - 1,
		Data:       payload,
		Headers:    headers,
		Timestamp:  time.Now().UTC(),
	}

	if err := e.typ.checkInvariants(e.id, e.state); err != nil {
		return rollback(err)
	}
	if err := e.fold(evt); err != nil {
		return rollback(err)
	}
	if err := e.typ.checkInvariants(e.id, e.state); err != nil {
		return rollback(err)
	}

	e.pending = append(e.pending, evt)
	return nil
}

// replay folds a historical event. The handler runs before the version moves.
func (e *Entity[S]) replay(evt Event) error {
	if evt.Kind == EventKindSnapshot {
		state, ok := evt.Data.(S)
		if !ok {
			return fmt.Errorf("%w: snapshot for %s holds %T", ErrUnexpectedPayload, e.typ.name, evt.Data)
		}
		e.state = state
		e.version = evt.SequenceID + 1
		return nil
	}

	if evt.SequenceID != e.version {
		return &IntegrityError{
			StreamName: evt.StreamName,
			SequenceID: evt.SequenceID,
			Expected:   strconv.FormatInt(e.version, 10),
			Actual:     strconv.FormatInt(evt.SequenceID, 10),
			Err:        ErrSequenceGap,
		}
	}
	if err := e.fold(evt); err != nil {
		return err
	}
	e.version++
	return nil
}

// fold dispatches evt to its handler. Live and replayed events both go
// through here.
func (e *Entity[S]) fold(evt Event) error {
	h, ok := e.typ.handler(evt.Type)
	if !ok {
		return NewUnhandledEventTypeError(e.typ.name, evt.Type)
	}
	next, err := h(e.state, evt)
	if err != nil {
		return err
	}
	e.state = next
	return nil
}
