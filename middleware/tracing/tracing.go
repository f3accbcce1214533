// Package tracing provides OpenTelemetry spans for the event store,
// subscription handlers and outbox publishers.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("orders"))
//	store := keel.New(tracing.NewEventStoreMiddleware(adapter, tracer))
//	engine.Register(tracing.WrapHandler("projector", handler, tracer), cfg)
//	relay := keel.NewRelay(store, tracing.WrapPublisher(publisher, tracer), checkpoints)
//
// The event store stamps the trace ID of the appending span on every event,
// so handler spans carry the ID of the trace that produced the event.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
)

const (
	// TracerName is the instrumentation name of the tracer.
	TracerName = "github.com/AshkanYarmoradi/go-keel"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "keel"
)

// Tracer wraps an OpenTelemetry tracer.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithSpanKind(kind))
	span.SetAttributes(attribute.String("keel.service", t.serviceName))
	span.SetAttributes(attrs...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Event Store Middleware
// =============================================================================

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// EventStoreMiddleware wraps an EventStoreAdapter with tracing.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

// NewEventStoreMiddleware wraps an adapter with tracing.
func NewEventStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		tracer:  tracer,
	}
}

// Append stores events with tracing.
func (m *EventStoreMiddleware) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	eventTypes := make([]string, len(events))
	for i, e := range events {
		eventTypes[i] = e.Type
	}

	ctx, span := m.tracer.start(ctx, "eventstore.append", trace.SpanKindClient,
		attribute.String("keel.stream", streamName),
		attribute.Int64("keel.expected_version", expectedVersion),
		attribute.Int("keel.events.count", len(events)),
		attribute.StringSlice("keel.events.types", eventTypes),
	)
	defer span.End()

	stored, err := m.adapter.Append(ctx, streamName, events, expectedVersion)
	finish(span, err)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("keel.stored.sequence_id", last.SequenceID),
			attribute.Int64("keel.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	return stored, err
}

// Load retrieves stream events with tracing.
func (m *EventStoreMiddleware) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.start(ctx, "eventstore.load", trace.SpanKindClient,
		attribute.String("keel.stream", streamName),
		attribute.Int64("keel.from_sequence", fromSequence),
	)
	defer span.End()

	events, err := m.adapter.Load(ctx, streamName, fromSequence, limit)
	finish(span, err)
	span.SetAttributes(attribute.Int("keel.events.loaded", len(events)))
	return events, err
}

// LoadCategory retrieves category events with tracing.
func (m *EventStoreMiddleware) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.start(ctx, "eventstore.load_category", trace.SpanKindClient,
		attribute.String("keel.category", category),
		attribute.Int64("keel.from_position", int64(fromPosition)),
	)
	defer span.End()

	events, err := m.adapter.LoadCategory(ctx, category, fromPosition, limit)
	finish(span, err)
	span.SetAttributes(attribute.Int("keel.events.loaded", len(events)))
	return events, err
}

// LoadFromPosition retrieves events from a global position with tracing.
func (m *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.start(ctx, "eventstore.load_from_position", trace.SpanKindClient,
		attribute.Int64("keel.from_position", int64(fromPosition)),
	)
	defer span.End()

	events, err := m.adapter.LoadFromPosition(ctx, fromPosition, limit)
	finish(span, err)
	span.SetAttributes(attribute.Int("keel.events.loaded", len(events)))
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	ctx, span := m.tracer.start(ctx, "eventstore.get_stream_info", trace.SpanKindClient,
		attribute.String("keel.stream", streamName),
	)
	defer span.End()

	info, err := m.adapter.GetStreamInfo(ctx, streamName)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("keel.stream.version", info.Version))
	}
	return info, err
}

// GetLastPosition returns the last global position with tracing.
func (m *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.tracer.start(ctx, "eventstore.get_last_position", trace.SpanKindClient)
	defer span.End()

	pos, err := m.adapter.GetLastPosition(ctx)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("keel.last_position", int64(pos)))
	}
	return pos, err
}

// Initialize initializes the adapter with tracing.
func (m *EventStoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.start(ctx, "eventstore.initialize", trace.SpanKindClient)
	defer span.End()

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the adapter.
func (m *EventStoreMiddleware) Close() error {
	return m.adapter.Close()
}

// =============================================================================
// Handler and Publisher
// =============================================================================

type tracedHandler struct {
	name    string
	handler keel.EventHandler
	tracer  *Tracer
}

// WrapHandler traces each invocation of a subscription handler. A panic
// is recorded on the span and re-raised for the engine to recover.
func WrapHandler(name string, handler keel.EventHandler, tracer *Tracer) keel.EventHandler {
	return &tracedHandler{name: name, handler: handler, tracer: tracer}
}

func (h *tracedHandler) Handle(ctx context.Context, event keel.Event) (err error) {
	ctx, span := h.tracer.start(ctx, fmt.Sprintf("subscription.%s.handle", h.name), trace.SpanKindConsumer,
		attribute.String("keel.subscription", h.name),
		attribute.String("keel.event.id", event.ID),
		attribute.String("keel.event.type", event.Type),
		attribute.String("keel.event.stream", event.StreamName),
		attribute.Int64("keel.event.sequence_id", event.SequenceID),
		attribute.Int64("keel.event.global_position", int64(event.GlobalPosition)),
	)
	defer span.End()

	if event.Headers.TraceID != "" {
		span.SetAttributes(attribute.String("keel.event.trace_id", event.Headers.TraceID))
	}

	defer func() {
		if r := recover(); r != nil {
			finish(span, fmt.Errorf("handler panicked: %v", r))
			panic(r)
		}
	}()

	err = h.handler.Handle(ctx, event)
	finish(span, err)
	return err
}

type tracedPublisher struct {
	publisher adapters.Publisher
	tracer    *Tracer
}

// WrapPublisher traces each publish of the outbox relay.
func WrapPublisher(publisher adapters.Publisher, tracer *Tracer) adapters.Publisher {
	return &tracedPublisher{publisher: publisher, tracer: tracer}
}

func (p *tracedPublisher) Publish(ctx context.Context, stream string, msg adapters.Message) (string, error) {
	ctx, span := p.tracer.start(ctx, "publish "+stream, trace.SpanKindProducer,
		attribute.String("keel.stream", stream),
		attribute.String("keel.message.key", msg.Key),
		attribute.String("keel.event.id", msg.Headers[keel.HeaderEventID]),
		attribute.String("keel.event.type", msg.Headers[keel.HeaderEventType]),
	)
	defer span.End()

	id, err := p.publisher.Publish(ctx, stream, msg)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.String("keel.message.id", id))
	}
	return id, err
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
