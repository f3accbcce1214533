// Package metrics provides Prometheus metrics for the event store, the
// subscription engine and the outbox relay.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("orders"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	store := keel.New(m.WrapEventStore(adapter))
//	engine := keel.NewSubscriptionEngine(store, keel.WithSubscriptionMetrics(m.Subscriptions()))
//	relay := keel.NewRelay(store, publisher, checkpoints, keel.WithRelayMetrics(m.Relay("orders")))
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// Metric labels.
const (
	LabelEventType    = "event_type"
	LabelSubscription = "subscription"
	LabelRelay        = "relay"
	LabelStream       = "stream"
	LabelOperation    = "operation"
	LabelStatus       = "status"
	LabelErrorType    = "error_type"
	LabelService      = "service"
)

// Status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation values.
const (
	OperationAppend           = "append"
	OperationLoad             = "load"
	OperationLoadCategory     = "load_category"
	OperationLoadFromPosition = "load_from_position"
	OperationGetStreamInfo    = "get_stream_info"
	OperationGetLastPosition  = "get_last_position"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Event store
	eventStoreOperationsTotal   *prometheus.CounterVec
	eventStoreOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal         *prometheus.CounterVec
	eventsLoadedTotal           *prometheus.CounterVec

	// Subscriptions
	deliveriesTotal      *prometheus.CounterVec
	deliveryDuration     *prometheus.HistogramVec
	retriesTotal         *prometheus.CounterVec
	deadLettersTotal     *prometheus.CounterVec
	subscriptionPosition *prometheus.GaugeVec

	// Relay
	relayPublishedTotal *prometheus.CounterVec
	relayBatchDuration  *prometheus.HistogramVec
	relayPosition       *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "keel",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) histogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      name,
		Help:      help,
	}, append([]string{LabelService}, labels...))
}

func (m *Metrics) initMetrics() {
	m.eventStoreOperationsTotal = m.counter("eventstore_operations_total",
		"Total number of event store operations.", LabelOperation, LabelStatus)
	m.eventStoreOperationDuration = m.histogram("eventstore_operation_duration_seconds",
		"Duration of event store operations in seconds.", LabelOperation)
	m.eventsAppendedTotal = m.counter("events_appended_total",
		"Total number of events appended to streams.", LabelEventType)
	m.eventsLoadedTotal = m.counter("events_loaded_total",
		"Total number of events loaded from the store.")

	m.deliveriesTotal = m.counter("subscription_deliveries_total",
		"Total number of handler invocations by subscription.", LabelSubscription, LabelEventType, LabelStatus)
	m.deliveryDuration = m.histogram("subscription_delivery_duration_seconds",
		"Duration of handler invocations in seconds.", LabelSubscription)
	m.retriesTotal = m.counter("subscription_retries_total",
		"Total number of delivery retries.", LabelSubscription)
	m.deadLettersTotal = m.counter("subscription_dead_letters_total",
		"Total number of messages moved to the dead letter queue.", LabelSubscription)
	m.subscriptionPosition = m.gauge("subscription_checkpoint_position",
		"Last checkpointed global position of each subscription.", LabelSubscription)

	m.relayPublishedTotal = m.counter("relay_published_total",
		"Total number of events forwarded by the outbox relay.", LabelRelay, LabelStream, LabelStatus)
	m.relayBatchDuration = m.histogram("relay_batch_duration_seconds",
		"Duration of outbox relay batches in seconds.", LabelRelay)
	m.relayPosition = m.gauge("relay_checkpoint_position",
		"Last relayed global position.", LabelRelay)

	m.errorsTotal = m.counter("errors_total", "Total number of errors by type.", LabelErrorType)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventStoreOperationsTotal,
		m.eventStoreOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.deliveriesTotal,
		m.deliveryDuration,
		m.retriesTotal,
		m.deadLettersTotal,
		m.subscriptionPosition,
		m.relayPublishedTotal,
		m.relayBatchDuration,
		m.relayPosition,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// RecordError records an error under its classified type.
func (m *Metrics) RecordError(err error) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
}

// errorTypeName classifies an error by the sentinel it matches.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, keel.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, keel.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, keel.ErrEmptyStreamName):
		return "empty_stream_name"
	case errors.Is(err, keel.ErrNoEvents):
		return "no_events"
	case errors.Is(err, keel.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, keel.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, keel.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, keel.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, keel.ErrSequenceGap):
		return "sequence_gap"
	case errors.Is(err, keel.ErrUpcastFailed):
		return "upcast_failed"
	case errors.Is(err, keel.ErrUnhandledEventType):
		return "unhandled_event_type"
	case errors.Is(err, keel.ErrInvariantViolated):
		return "invariant_violated"
	case errors.Is(err, keel.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, keel.ErrPublishRejected):
		return "publish_rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "unknown"
	}
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// =============================================================================
// Subscription metrics
// =============================================================================

type subscriptionMetrics struct {
	m *Metrics
}

// Subscriptions returns a recorder for the subscription engine.
func (m *Metrics) Subscriptions() keel.SubscriptionMetrics {
	return &subscriptionMetrics{m: m}
}

func (s *subscriptionMetrics) RecordDelivery(subscription, eventType string, success bool, duration time.Duration) {
	st := StatusSuccess
	if !success {
		st = StatusError
	}
	s.m.deliveriesTotal.WithLabelValues(s.m.serviceName, subscription, eventType, st).Inc()
	s.m.deliveryDuration.WithLabelValues(s.m.serviceName, subscription).Observe(duration.Seconds())
}

func (s *subscriptionMetrics) RecordRetry(subscription string) {
	s.m.retriesTotal.WithLabelValues(s.m.serviceName, subscription).Inc()
}

func (s *subscriptionMetrics) RecordDeadLetter(subscription string) {
	s.m.deadLettersTotal.WithLabelValues(s.m.serviceName, subscription).Inc()
}

func (s *subscriptionMetrics) RecordPosition(subscription string, position uint64) {
	s.m.subscriptionPosition.WithLabelValues(s.m.serviceName, subscription).Set(float64(position))
}

// =============================================================================
// Relay metrics
// =============================================================================

type relayMetrics struct {
	m    *Metrics
	name string
}

// Relay returns a recorder for the outbox relay with the given name.
func (m *Metrics) Relay(name string) keel.RelayMetrics {
	return &relayMetrics{m: m, name: name}
}

func (r *relayMetrics) RecordPublished(stream string, success bool) {
	st := StatusSuccess
	if !success {
		st = StatusError
	}
	r.m.relayPublishedTotal.WithLabelValues(r.m.serviceName, r.name, stream, st).Inc()
}

func (r *relayMetrics) RecordBatchDuration(duration time.Duration) {
	r.m.relayBatchDuration.WithLabelValues(r.m.serviceName, r.name).Observe(duration.Seconds())
}

func (r *relayMetrics) RecordPosition(position uint64) {
	r.m.relayPosition.WithLabelValues(r.m.serviceName, r.name).Set(float64(position))
}

// =============================================================================
// Event Store Middleware
// =============================================================================

var _ adapters.EventStoreAdapter = (*EventStoreMiddleware)(nil)

// EventStoreMiddleware wraps an EventStoreAdapter with metrics.
type EventStoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *EventStoreMiddleware {
	return &EventStoreMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (em *EventStoreMiddleware) Unwrap() adapters.EventStoreAdapter {
	return em.adapter
}

func (em *EventStoreMiddleware) observe(op string, start time.Time, err error) {
	m := em.metrics
	m.eventStoreOperationDuration.WithLabelValues(m.serviceName, op).Observe(time.Since(start).Seconds())
	m.eventStoreOperationsTotal.WithLabelValues(m.serviceName, op, status(err)).Inc()
	if err != nil {
		m.RecordError(err)
	}
}

func (em *EventStoreMiddleware) loaded(events []adapters.StoredEvent) {
	em.metrics.eventsLoadedTotal.WithLabelValues(em.metrics.serviceName).Add(float64(len(events)))
}

// Append stores events with metrics.
func (em *EventStoreMiddleware) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := em.adapter.Append(ctx, streamName, events, expectedVersion)
	em.observe(OperationAppend, start, err)

	if err == nil {
		for _, e := range events {
			em.metrics.eventsAppendedTotal.WithLabelValues(em.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Load retrieves stream events with metrics.
func (em *EventStoreMiddleware) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.Load(ctx, streamName, fromSequence, limit)
	em.observe(OperationLoad, start, err)
	em.loaded(events)
	return events, err
}

// LoadCategory retrieves category events with metrics.
func (em *EventStoreMiddleware) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadCategory(ctx, category, fromPosition, limit)
	em.observe(OperationLoadCategory, start, err)
	em.loaded(events)
	return events, err
}

// LoadFromPosition retrieves events from a global position with metrics.
func (em *EventStoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := em.adapter.LoadFromPosition(ctx, fromPosition, limit)
	em.observe(OperationLoadFromPosition, start, err)
	em.loaded(events)
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (em *EventStoreMiddleware) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := em.adapter.GetStreamInfo(ctx, streamName)
	em.observe(OperationGetStreamInfo, start, err)
	return info, err
}

// GetLastPosition returns the last global position with metrics.
func (em *EventStoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	start := time.Now()
	pos, err := em.adapter.GetLastPosition(ctx)
	em.observe(OperationGetLastPosition, start, err)
	return pos, err
}

// Initialize initializes the wrapped adapter.
func (em *EventStoreMiddleware) Initialize(ctx context.Context) error {
	return em.adapter.Initialize(ctx)
}

// Close closes the wrapped adapter.
func (em *EventStoreMiddleware) Close() error {
	return em.adapter.Close()
}

// =============================================================================
// Getters for testing
// =============================================================================

// EventStoreOperationsTotal returns the event store operations counter.
func (m *Metrics) EventStoreOperationsTotal() *prometheus.CounterVec {
	return m.eventStoreOperationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// DeliveriesTotal returns the subscription deliveries counter.
func (m *Metrics) DeliveriesTotal() *prometheus.CounterVec {
	return m.deliveriesTotal
}

// RetriesTotal returns the subscription retries counter.
func (m *Metrics) RetriesTotal() *prometheus.CounterVec {
	return m.retriesTotal
}

// DeadLettersTotal returns the dead letters counter.
func (m *Metrics) DeadLettersTotal() *prometheus.CounterVec {
	return m.deadLettersTotal
}

// SubscriptionPosition returns the subscription checkpoint gauge.
func (m *Metrics) SubscriptionPosition() *prometheus.GaugeVec {
	return m.subscriptionPosition
}

// RelayPublishedTotal returns the relay published counter.
func (m *Metrics) RelayPublishedTotal() *prometheus.CounterVec {
	return m.relayPublishedTotal
}

// RelayPosition returns the relay checkpoint gauge.
func (m *Metrics) RelayPosition() *prometheus.GaugeVec {
	return m.relayPosition
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
