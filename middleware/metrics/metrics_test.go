package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/adapters/memory"
)

type OrderPlaced struct {
	Customer string
}

type ItemAdded struct {
	SKU string
}

func record(eventType string) adapters.EventRecord {
	return adapters.EventRecord{ID: eventType + "-id", Type: eventType, SchemaVersion: 1, Data: []byte(`{}`)}
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m := New()
		assert.Equal(t, "keel", m.namespace)
		assert.Equal(t, "unknown", m.serviceName)
	})

	t.Run("options", func(t *testing.T) {
		m := New(WithNamespace("custom"), WithSubsystem("events"), WithMetricsServiceName("orders"))
		assert.Equal(t, "custom", m.namespace)
		assert.Equal(t, "events", m.subsystem)
		assert.Equal(t, "orders", m.serviceName)
	})
}

func TestMetrics_Register(t *testing.T) {
	m := New()
	assert.Len(t, m.Collectors(), 13)

	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))
	assert.Error(t, m.Register(registry), "duplicate registration")
}

func TestEventStoreMiddleware(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))
	store := m.WrapEventStore(memory.NewAdapter())
	assert.NotNil(t, store.Unwrap())
	require.NoError(t, store.Initialize(ctx))

	_, err := store.Append(ctx, "order-1", []adapters.EventRecord{record("OrderPlaced")}, keel.NoStream)
	require.NoError(t, err)
	_, err = store.Append(ctx, "order-1", []adapters.EventRecord{{ID: "b", Type: "ItemAdded", Data: []byte(`{}`)}}, 1)
	require.NoError(t, err)

	_, err = store.Append(ctx, "order-1", []adapters.EventRecord{{ID: "c", Type: "ItemAdded", Data: []byte(`{}`)}}, 0)
	require.ErrorIs(t, err, keel.ErrConcurrencyConflict)

	events, err := store.Load(ctx, "order-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	_, err = store.LoadCategory(ctx, "order", 0, 10)
	require.NoError(t, err)
	_, err = store.LoadFromPosition(ctx, 1, 10)
	require.NoError(t, err)

	_, err = store.GetStreamInfo(ctx, "missing-1")
	require.ErrorIs(t, err, keel.ErrStreamNotFound)

	pos, err := store.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventStoreOperationsTotal().WithLabelValues("test", OperationAppend, StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventStoreOperationsTotal().WithLabelValues("test", OperationAppend, StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsAppendedTotal().WithLabelValues("test", "OrderPlaced")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsAppendedTotal().WithLabelValues("test", "ItemAdded")))
	assert.Equal(t, float64(2+2+1), testutil.ToFloat64(m.EventsLoadedTotal().WithLabelValues("test")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventStoreOperationsTotal().WithLabelValues("test", OperationGetStreamInfo, StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal().WithLabelValues("test", "concurrency_conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal().WithLabelValues("test", "stream_not_found")))

	require.NoError(t, store.Close())
	_, err = store.Load(ctx, "order-1", 0, 0)
	assert.ErrorIs(t, err, keel.ErrAdapterClosed)
}

func TestErrorTypeName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{keel.NewConcurrencyError("order-1", 0, 1), "concurrency_conflict"},
		{fmt.Errorf("wrapped: %w", keel.ErrStreamNotFound), "stream_not_found"},
		{keel.ErrEmptyStreamName, "empty_stream_name"},
		{keel.ErrNoEvents, "no_events"},
		{keel.ErrInvalidVersion, "invalid_version"},
		{keel.ErrAdapterClosed, "adapter_closed"},
		{keel.NewSerializationError("X", "serialize", errors.New("x")), "serialization_failed"},
		{keel.ErrChecksumMismatch, "checksum_mismatch"},
		{keel.ErrSequenceGap, "sequence_gap"},
		{keel.ErrUpcastFailed, "upcast_failed"},
		{keel.ErrUnhandledEventType, "unhandled_event_type"},
		{keel.ErrInvariantViolated, "invariant_violated"},
		{keel.ErrHandlerPanicked, "handler_panicked"},
		{keel.ErrPublishRejected, "publish_rejected"},
		{context.DeadlineExceeded, "context"},
		{errors.New("other"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, errorTypeName(tt.err))
		})
	}
}

func TestSubscriptionMetrics(t *testing.T) {
	m := New(WithMetricsServiceName("test"))
	rec := m.Subscriptions()

	rec.RecordDelivery("projector", "OrderPlaced", true, 10*time.Millisecond)
	rec.RecordDelivery("projector", "OrderPlaced", false, time.Millisecond)
	rec.RecordRetry("projector")
	rec.RecordDeadLetter("projector")
	rec.RecordPosition("projector", 42)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveriesTotal().WithLabelValues("test", "projector", "OrderPlaced", StatusSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveriesTotal().WithLabelValues("test", "projector", "OrderPlaced", StatusError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesTotal().WithLabelValues("test", "projector")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeadLettersTotal().WithLabelValues("test", "projector")))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.SubscriptionPosition().WithLabelValues("test", "projector")))
}

func TestSubscriptionMetrics_WithEngine(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))

	store := keel.New(m.WrapEventStore(memory.NewAdapter()))
	store.RegisterEvents(OrderPlaced{}, ItemAdded{})
	_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderPlaced{Customer: "c"}, ItemAdded{SKU: "s"}})
	require.NoError(t, err)

	var handled atomic.Int32
	engine := keel.NewSubscriptionEngine(store,
		keel.WithCheckpoints(memory.NewCheckpointStore()),
		keel.WithSubscriptionMetrics(m.Subscriptions()),
	)

	cfg := keel.DefaultSubscriptionConfig("projector", "order")
	cfg.Type = keel.SubscriptionTypeEventStore
	cfg.TickInterval = 5 * time.Millisecond
	cfg.PositionUpdateInterval = 1
	require.NoError(t, engine.Register(keel.EventHandlerFunc(func(ctx context.Context, e keel.Event) error {
		handled.Add(1)
		return nil
	}), cfg))

	require.NoError(t, engine.Start(ctx))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.SubscriptionPosition().WithLabelValues("test", "projector")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, engine.Stop(stopCtx))

	assert.Equal(t, int32(2), handled.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveriesTotal().WithLabelValues("test", "projector", "ItemAdded", StatusSuccess)))
}

func TestRelayMetrics_WithRelay(t *testing.T) {
	ctx := context.Background()
	m := New(WithMetricsServiceName("test"))

	store := keel.New(memory.NewAdapter())
	store.RegisterEvents(OrderPlaced{})
	_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderPlaced{}, OrderPlaced{}})
	require.NoError(t, err)

	broker := memory.NewBroker()
	relay := keel.NewRelay(store, broker, memory.NewCheckpointStore(), keel.WithRelayMetrics(m.Relay("outbox")))
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RelayPublishedTotal().WithLabelValues("test", "outbox", "order", StatusSuccess)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RelayPosition().WithLabelValues("test", "outbox")))

	m.Relay("outbox").RecordPublished("order", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RelayPublishedTotal().WithLabelValues("test", "outbox", "order", StatusError)))
}
