package keel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyEvent(seq int64, payload interface{}) Event {
	return Event{
		ID:         "e-" + GetEventType(payload),
		Type:       GetEventType(payload),
		StreamName: "order-1",
		SequenceID: seq,
		Version:    1,
		Data:       payload,
	}
}

func orderHistory() []Event {
	return []Event{
		historyEvent(0, OrderPlaced{Customer: "c-1"}),
		historyEvent(1, ItemAdded{SKU: "A", Price: 10}),
		historyEvent(2, ItemAdded{SKU: "B", Price: 5}),
	}
}

func TestAggregateType_Registration(t *testing.T) {
	orders := newOrderType()

	assert.Equal(t, "order", orders.Name())
	assert.ElementsMatch(t, []string{"OrderPlaced", "ItemAdded", "OrderShipped"}, orders.EventTypes())
	assert.Len(t, orders.EventExamples(), 3)
	assert.Equal(t, "order-1", orders.StreamName("1"))

	t.Run("duplicate handler panics", func(t *testing.T) {
		assert.Panics(t, func() {
			HandleFunc(orders, func(s Order, e OrderShipped) (Order, error) { return s, nil })
		})
	})

	t.Run("hyphenated name panics", func(t *testing.T) {
		assert.Panics(t, func() { NewAggregateType("big-order", func() Order { return Order{} }) })
	})

	t.Run("nil factory yields zero state", func(t *testing.T) {
		typ := NewAggregateType[Order]("cart", nil)
		assert.Equal(t, Order{}, typ.New("1").State())
	})
}

func TestEntity_Raise(t *testing.T) {
	orders := newOrderType()

	t.Run("create folds and queues", func(t *testing.T) {
		order, err := orders.Create("1", OrderPlaced{Customer: "c-1"}, WithCorrelation("corr-1"))
		require.NoError(t, err)

		assert.Equal(t, int64(1), order.Version())
		assert.Equal(t, int64(0), order.PersistedVersion())
		assert.Equal(t, "placed", order.State().Status)
		require.Len(t, order.Pending(), 1)

		evt := order.Pending()[0]
		assert.Equal(t, "OrderPlaced", evt.Type)
		assert.Equal(t, "order-1", evt.StreamName)
		assert.Equal(t, int64(0), evt.SequenceID)
		assert.Equal(t, "corr-1", evt.Headers.CorrelationID)
		assert.NotEmpty(t, evt.ID)
	})

	t.Run("sequence ids follow the version", func(t *testing.T) {
		order, err := orders.Create("2", OrderPlaced{})
		require.NoError(t, err)
		require.NoError(t, order.Raise(ItemAdded{SKU: "A", Price: 3}))
		require.NoError(t, order.Raise(ItemAdded{SKU: "B", Price: 4}))

		pending := order.Pending()
		require.Len(t, pending, 3)
		for i, evt := range pending {
			assert.Equal(t, int64(i), evt.SequenceID)
		}
		assert.Equal(t, 7, order.State().Total)
		assert.True(t, order.HasPending())
	})

	t.Run("handler error rolls back", func(t *testing.T) {
		order := orders.New("3")

		err := order.Raise(ItemAdded{SKU: "A", Price: 3})

		assert.ErrorIs(t, err, errOrderNotOpen)
		assert.Equal(t, int64(0), order.Version())
		assert.Equal(t, Order{}, order.State())
		assert.Empty(t, order.Pending())
	})

	t.Run("invariant violation rolls back", func(t *testing.T) {
		order, err := orders.Create("4", OrderPlaced{Total: 5})
		require.NoError(t, err)

		err = order.Raise(ItemAdded{SKU: "refund", Price: -10})

		var invErr *InvariantError
		require.True(t, errors.As(err, &invErr))
		assert.Equal(t, "non-negative-total", invErr.Invariant)
		assert.Equal(t, "4", invErr.EntityID)
		assert.Equal(t, int64(1), order.Version())
		assert.Equal(t, 5, order.State().Total)
		assert.Len(t, order.Pending(), 1)
	})

	t.Run("unhandled event type", func(t *testing.T) {
		order := orders.New("5")

		err := order.Raise(struct{ X int }{1})

		assert.ErrorIs(t, err, ErrUnhandledEventType)
		assert.Equal(t, int64(0), order.Version())
	})

	t.Run("nil payload", func(t *testing.T) {
		assert.Error(t, orders.New("6").Raise(nil))
	})

	t.Run("caused by copies tracing context", func(t *testing.T) {
		cause := Event{ID: "cause-1", StreamName: "cart-9", Headers: Headers{TraceID: "t-1", CorrelationID: "corr-9"}}
		order, err := orders.Create("7", OrderPlaced{}, CausedBy(cause))
		require.NoError(t, err)

		h := order.Pending()[0].Headers
		assert.Equal(t, "cause-1", h.CausationID)
		assert.Equal(t, "cart-9", h.OriginStream)
		assert.Equal(t, "corr-9", h.CorrelationID)
		assert.Equal(t, "t-1", h.TraceID)
	})
}

func TestAggregateType_Reconstruct(t *testing.T) {
	ctx := context.Background()
	orders := newOrderType()

	t.Run("folds history", func(t *testing.T) {
		order, err := orders.ReconstructEvents(ctx, "1", orderHistory())
		require.NoError(t, err)

		assert.Equal(t, int64(3), order.Version())
		assert.Equal(t, int64(3), order.PersistedVersion())
		assert.Equal(t, ModeLive, order.Mode())
		assert.Equal(t, Order{Customer: "c-1", Items: 2, Total: 15, Status: "placed"}, order.State())
		assert.False(t, order.HasPending())
	})

	t.Run("is deterministic", func(t *testing.T) {
		a, err := orders.ReconstructEvents(ctx, "1", orderHistory())
		require.NoError(t, err)
		b, err := orders.ReconstructEvents(ctx, "1", orderHistory())
		require.NoError(t, err)

		assert.Equal(t, a.State(), b.State())
		assert.Equal(t, a.Version(), b.Version())
	})

	t.Run("live and replayed paths agree", func(t *testing.T) {
		live, err := orders.Create("1", OrderPlaced{Customer: "c-1"})
		require.NoError(t, err)
		require.NoError(t, live.Raise(ItemAdded{SKU: "A", Price: 10}))
		require.NoError(t, live.Raise(ItemAdded{SKU: "B", Price: 5}))

		replayed, err := orders.ReconstructEvents(ctx, "1", live.Pending())
		require.NoError(t, err)

		assert.Equal(t, live.State(), replayed.State())
		assert.Equal(t, live.Version(), replayed.Version())
	})

	t.Run("unhandled event type is fatal", func(t *testing.T) {
		history := append(orderHistory(), Event{Type: "OrderCancelled", StreamName: "order-1", SequenceID: 3})

		_, err := orders.ReconstructEvents(ctx, "1", history)

		var replayErr *ReplayError
		require.True(t, errors.As(err, &replayErr))
		assert.Equal(t, int64(3), replayErr.SequenceID)
		assert.Equal(t, "order-1", replayErr.StreamName)
		assert.ErrorIs(t, err, ErrUnhandledEventType)
	})

	t.Run("sequence gap", func(t *testing.T) {
		history := orderHistory()
		history[2].SequenceID = 5

		_, err := orders.ReconstructEvents(ctx, "1", history)

		assert.ErrorIs(t, err, ErrSequenceGap)
	})

	t.Run("invariants are checked once at the end", func(t *testing.T) {
		history := []Event{
			historyEvent(0, OrderPlaced{}),
			historyEvent(1, ItemAdded{Price: -10}),
			historyEvent(2, ItemAdded{Price: 20}),
		}

		order, err := orders.ReconstructEvents(ctx, "1", history)

		require.NoError(t, err, "intermediate negative total is tolerated")
		assert.Equal(t, 10, order.State().Total)

		_, err = orders.ReconstructEvents(ctx, "1", history[:2])
		assert.ErrorIs(t, err, ErrInvariantViolated)
	})

	t.Run("snapshot event installs state", func(t *testing.T) {
		snapshot := Event{
			Type:       SnapshotEventType,
			StreamName: "order-1",
			SequenceID: 2,
			Kind:       EventKindSnapshot,
			Data:       Order{Customer: "c-1", Items: 2, Total: 15, Status: "placed"},
		}
		history := []Event{snapshot, historyEvent(3, OrderShipped{})}

		order, err := orders.ReconstructEvents(ctx, "1", history)
		require.NoError(t, err)

		assert.Equal(t, int64(4), order.Version())
		assert.Equal(t, "shipped", order.State().Status)
		assert.Equal(t, 15, order.State().Total)
	})

	t.Run("snapshot of the wrong type", func(t *testing.T) {
		snapshot := Event{Kind: EventKindSnapshot, SequenceID: 0, Data: "nope"}

		_, err := orders.ReconstructEvents(ctx, "1", []Event{snapshot})

		assert.ErrorIs(t, err, ErrUnexpectedPayload)
	})

	t.Run("wrong payload type for handler", func(t *testing.T) {
		evt := Event{Type: "ItemAdded", StreamName: "order-1", Data: map[string]interface{}{"sku": "A"}}

		_, err := orders.ReconstructEvents(ctx, "1", []Event{evt})

		assert.ErrorIs(t, err, ErrUnexpectedPayload)
	})

	t.Run("sequence error stops replay", func(t *testing.T) {
		boom := errors.New("read failed")
		seq := func(yield func(Event, error) bool) {
			if !yield(historyEvent(0, OrderPlaced{}), nil) {
				return
			}
			yield(Event{}, boom)
		}

		_, err := orders.Reconstruct(ctx, "1", seq)

		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := orders.ReconstructEvents(cctx, "1", orderHistory())

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestReplayMode_String(t *testing.T) {
	assert.Equal(t, "live", ModeLive.String())
	assert.Equal(t, "replaying", ModeReplaying.String())
	assert.Equal(t, "unknown", ReplayMode(7).String())
}
