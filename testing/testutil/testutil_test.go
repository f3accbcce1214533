package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/adapters/memory"
)

var fastRetry = keel.RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

// =============================================================================
// Order Entity
// =============================================================================

func newOrder(t *testing.T, cmds ...OrderCommand) *keel.Entity[Order] {
	t.Helper()
	e := OrderType().New("1")
	for _, cmd := range cmds {
		require.NoError(t, cmd(e))
	}
	return e
}

func TestOrder_Lifecycle(t *testing.T) {
	e := newOrder(t,
		CreateOrder("cust-1"),
		AddItem("SKU-1", 2, 10),
		AddItem("SKU-2", 1, 5.5),
		ShipOrder("TRACK-1"),
	)

	s := e.State()
	assert.Equal(t, StatusShipped, s.Status)
	assert.Equal(t, "cust-1", s.CustomerID)
	assert.Equal(t, "TRACK-1", s.TrackingNumber)
	assert.Len(t, s.Items, 2)
	assert.InDelta(t, 25.5, s.TotalAmount(), 0.001)
	assert.Equal(t, int64(4), e.Version())
	assert.Len(t, e.Pending(), 4)
	assert.Equal(t, OrderCreated{OrderID: "1", CustomerID: "cust-1"}, e.Pending()[0].Data)
}

func TestOrder_Commands(t *testing.T) {
	t.Run("create twice", func(t *testing.T) {
		e := newOrder(t, CreateOrder("c"))
		assert.ErrorIs(t, CreateOrder("c")(e), ErrOrderExists)
	})

	t.Run("add item before create", func(t *testing.T) {
		e := newOrder(t)
		assert.ErrorIs(t, AddItem("a", 1, 1)(e), ErrOrderNotOpen)
	})

	t.Run("ship empty", func(t *testing.T) {
		e := newOrder(t, CreateOrder("c"))
		assert.ErrorIs(t, ShipOrder("T")(e), ErrEmptyOrder)
	})

	t.Run("cancel", func(t *testing.T) {
		e := newOrder(t, CreateOrder("c"), CancelOrder("changed mind"))
		assert.Equal(t, StatusCancelled, e.State().Status)
		assert.Equal(t, "changed mind", e.State().CancelReason)

		require.NoError(t, CancelOrder("again")(e))
		assert.Len(t, e.Pending(), 2)
		assert.ErrorIs(t, AddItem("a", 1, 1)(e), ErrOrderNotOpen)
	})

	t.Run("cancel shipped", func(t *testing.T) {
		e := newOrder(t, CreateOrder("c"), AddItem("a", 1, 1), ShipOrder("T"))
		assert.ErrorIs(t, CancelOrder("late")(e), ErrOrderHasShipped)
	})
}

func TestOrder_ItemsNotShared(t *testing.T) {
	e := newOrder(t, CreateOrder("c"), AddItem("a", 1, 1))
	before := e.State()
	require.NoError(t, AddItem("b", 1, 1)(e))

	assert.Len(t, before.Items, 1)
	assert.Len(t, e.State().Items, 2)
}

func TestOrder_InvariantOnReplay(t *testing.T) {
	history := []keel.Event{
		{Type: "OrderCreated", StreamName: "order-1", SequenceID: 0, Data: OrderCreated{OrderID: "1"}},
		{Type: "OrderShipped", StreamName: "order-1", SequenceID: 1, Data: OrderShipped{OrderID: "1"}},
	}

	_, err := OrderType().ReconstructEvents(context.Background(), "1", history)
	require.Error(t, err)
	assert.ErrorIs(t, err, keel.ErrInvariantViolated)
}

func TestOrder_Repository(t *testing.T) {
	ctx := context.Background()
	store := keel.New(memory.NewAdapter())
	RegisterTestEvents(store)
	repo := keel.NewRepository(store, OrderType())

	e := newOrder(t, CreateOrder("c"), AddItem("a", 3, 2))
	require.NoError(t, repo.Save(ctx, e))

	loaded, err := repo.Load(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, e.State(), loaded.State())
	assert.Equal(t, int64(2), loaded.Version())
}

// =============================================================================
// Read Model
// =============================================================================

func TestOrderReadModel_Handle(t *testing.T) {
	ctx := context.Background()
	rm := NewOrderReadModel()

	events := []keel.Event{
		{ID: "e1", StreamName: "order-1", Type: "OrderCreated", Data: OrderCreated{OrderID: "1", CustomerID: "c"}},
		{ID: "e2", StreamName: "order-1", Type: "ItemAdded", Data: ItemAdded{OrderID: "1", SKU: "a", Quantity: 2, Price: 4}},
		{ID: "e3", StreamName: "order-1", Type: "OrderShipped", Data: OrderShipped{OrderID: "1", TrackingNumber: "T"}},
		{ID: "e4", StreamName: "order-2", Type: "OrderCreated", Data: OrderCreated{OrderID: "2"}},
		{ID: "e5", StreamName: "order-2", Type: "OrderCancelled", Data: OrderCancelled{OrderID: "2"}},
	}
	for _, e := range events {
		require.NoError(t, rm.Handle(ctx, e))
	}

	t.Run("summaries", func(t *testing.T) {
		assert.Equal(t, 2, rm.Count())
		assert.Equal(t, 5, rm.UpdateCount())
		assert.Equal(t, &OrderSummary{
			OrderID:        "1",
			CustomerID:     "c",
			ItemCount:      1,
			TotalAmount:    8,
			Status:         StatusShipped,
			TrackingNumber: "T",
		}, rm.Get("1"))
		assert.Equal(t, StatusCancelled, rm.Get("2").Status)
		assert.Nil(t, rm.Get("3"))
	})

	t.Run("redelivery is skipped", func(t *testing.T) {
		require.NoError(t, rm.Handle(ctx, events[1]))
		assert.Equal(t, 1, rm.Get("1").ItemCount)
		assert.Equal(t, 5, rm.UpdateCount())
	})

	t.Run("Get returns a copy", func(t *testing.T) {
		rm.Get("1").ItemCount = 99
		assert.Equal(t, 1, rm.Get("1").ItemCount)
	})

	t.Run("unknown payload", func(t *testing.T) {
		err := rm.Handle(ctx, keel.Event{ID: "x", StreamName: "order-1", Type: "Other", Data: map[string]interface{}{}})
		assert.Error(t, err)
	})

	t.Run("bad stream name", func(t *testing.T) {
		err := rm.Handle(ctx, keel.Event{ID: "y", StreamName: "", Data: OrderCreated{}})
		assert.Error(t, err)
	})
}

// =============================================================================
// Fault Injection
// =============================================================================

func TestFaultyAdapter_TransientReadIsRetried(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaultyAdapter(memory.NewAdapter())
	store := keel.New(faulty, keel.WithReadRetry(fastRetry))
	RegisterTestEvents(store)

	_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderCreated{OrderID: "1"}})
	require.NoError(t, err)

	faulty.FailNext(OpLoadCategory, 2, errors.New("connection reset"))
	events, err := store.ReadCategory(ctx, "order", 0, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, 3, faulty.Calls(OpLoadCategory))
}

func TestFaultyAdapter_PermanentErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaultyAdapter(memory.NewAdapter())
	store := keel.New(faulty, keel.WithReadRetry(fastRetry))

	faulty.FailNext(OpLoadCategory, 1, adapters.ErrAdapterClosed)
	_, err := store.ReadCategory(ctx, "order", 0, 10)
	assert.ErrorIs(t, err, adapters.ErrAdapterClosed)
	assert.Equal(t, 1, faulty.Calls(OpLoadCategory))
}

func TestFaultyAdapter_AppendFailure(t *testing.T) {
	ctx := context.Background()
	faulty := NewFaultyAdapter(memory.NewAdapter())
	store := keel.New(faulty)
	RegisterTestEvents(store)

	boom := errors.New("disk full")
	faulty.FailNext(OpAppend, 1, boom)

	_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderCreated{}})
	assert.ErrorIs(t, err, boom)

	version, err := store.StreamVersion(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	_, err = store.Append(ctx, "order-1", keel.NoStream, []interface{}{OrderCreated{}})
	assert.NoError(t, err)
	assert.Equal(t, 2, faulty.Calls(OpAppend))
}

func TestFaultyPublisher_Relay(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*keel.EventStore, *memory.Broker, *FaultyPublisher, *memory.CheckpointStore) {
		t.Helper()
		store := keel.New(memory.NewAdapter())
		RegisterTestEvents(store)
		_, err := store.Append(ctx, "order-1", keel.NoStream, []interface{}{
			OrderCreated{OrderID: "1"},
			ItemAdded{OrderID: "1", SKU: "a"},
		})
		require.NoError(t, err)

		broker := memory.NewBroker()
		return store, broker, NewFaultyPublisher(broker), memory.NewCheckpointStore()
	}

	t.Run("transient failure is retried", func(t *testing.T) {
		store, broker, publisher, checkpoints := setup(t)
		publisher.FailNext(1, errors.New("broker unavailable"))

		relay := keel.NewRelay(store, publisher, checkpoints, keel.WithPublishRetry(fastRetry))
		n, err := relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, 3, publisher.Calls())
		assert.Equal(t, 2, broker.Len("order"))
	})

	t.Run("rejected publish stops the relay", func(t *testing.T) {
		store, broker, publisher, checkpoints := setup(t)
		publisher.FailNext(1, keel.ErrPublishRejected)

		relay := keel.NewRelay(store, publisher, checkpoints, keel.WithPublishRetry(fastRetry))
		n, err := relay.Drain(ctx)
		assert.ErrorIs(t, err, keel.ErrPublishRejected)
		assert.Equal(t, 0, n)
		assert.Equal(t, 1, publisher.Calls())
		assert.Equal(t, 0, broker.Len("order"))

		position, err := checkpoints.GetCheckpoint(ctx, relay.Name())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), position)

		n, err = relay.Drain(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

// =============================================================================
// MockT
// =============================================================================

func TestMockT(t *testing.T) {
	m := RunWithMockT(func(m *MockT) {
		m.Logf("step %d", 1)
		m.Errorf("soft %s", "failure")
		assert.True(t, m.Failed())
		m.Fatal("stop")
		m.Log("unreachable")
	})

	assert.True(t, m.Failed_)
	assert.True(t, m.Fatal_)
	assert.Equal(t, "stop", m.Message)
	assert.Equal(t, []string{"step 1"}, m.Logs)
	assert.Equal(t, []string{"soft failure", "stop"}, m.Reports)
	assert.True(t, m.Reported("soft fail"))
	assert.False(t, m.Reported("unreachable"))

	m = RunWithMockT(func(m *MockT) {
		m.FailNow()
	})
	assert.True(t, m.Failed_)
	assert.False(t, m.Fatal_)
}
