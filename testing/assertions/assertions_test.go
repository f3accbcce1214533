package assertions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/testing/testutil"
)

type OrderPlaced struct {
	Customer string
}

type ItemAdded struct {
	SKU   string
	Price int
}

func orderEvents() []keel.Event {
	return []keel.Event{
		{ID: "e1", Type: "OrderPlaced", StreamName: "order-1", SequenceID: 0, GlobalPosition: 3, Data: OrderPlaced{Customer: "ada"}},
		{ID: "e2", Type: "ItemAdded", StreamName: "order-1", SequenceID: 1, GlobalPosition: 5, Data: ItemAdded{SKU: "a", Price: 2}},
		{ID: "e3", Type: "ItemAdded", StreamName: "order-1", SequenceID: 2, GlobalPosition: 9, Data: ItemAdded{SKU: "b", Price: 4}},
	}
}

func TestPayloads(t *testing.T) {
	assert.Equal(t, []interface{}{
		OrderPlaced{Customer: "ada"},
		ItemAdded{SKU: "a", Price: 2},
		ItemAdded{SKU: "b", Price: 4},
	}, Payloads(orderEvents()))
	assert.Empty(t, Payloads(nil))
}

func TestAssertEventTypes(t *testing.T) {
	AssertEventTypes(t, orderEvents(), "OrderPlaced", "ItemAdded", "ItemAdded")

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertEventTypes(m, orderEvents(), "OrderPlaced")
	})
	assert.True(t, m.Fatal_)

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertEventTypes(m, orderEvents(), "OrderPlaced", "ItemAdded", "OrderShipped")
	})
	assert.True(t, m.Failed_)
	assert.False(t, m.Fatal_)
	assert.Contains(t, m.Message, "expected type")
}

func TestAssertPayload(t *testing.T) {
	events := orderEvents()
	AssertPayload(t, events[0], OrderPlaced{Customer: "ada"})

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertPayload(m, events[0], ItemAdded{})
	})
	assert.True(t, m.Fatal_)
	assert.Contains(t, m.Message, "not of expected type")

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertPayload(m, events[0], OrderPlaced{Customer: "bob"})
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "mismatch")
}

func TestAssertCounts(t *testing.T) {
	AssertEventCount(t, orderEvents(), 3)
	AssertNoEvents(t, nil)

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertEventCount(m, orderEvents(), 2)
	})
	assert.True(t, m.Failed_)

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertNoEvents(m, orderEvents())
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "Expected no events")
}

func TestAssertPositional(t *testing.T) {
	events := orderEvents()
	AssertLastEvent(t, events, ItemAdded{SKU: "b", Price: 4})
	AssertEventAtIndex(t, events, 1, ItemAdded{SKU: "a", Price: 2})

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertLastEvent(m, nil, ItemAdded{})
	})
	assert.True(t, m.Fatal_)
	assert.Equal(t, "Expected at least one event, got none", m.Message)

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertEventAtIndex(m, events, 3, ItemAdded{})
	})
	assert.True(t, m.Fatal_)
	assert.Contains(t, m.Message, "out of bounds")
}

func TestAssertContainsEvent(t *testing.T) {
	AssertContainsEvent(t, orderEvents(), ItemAdded{SKU: "b", Price: 4})

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertContainsEvent(m, orderEvents(), ItemAdded{SKU: "c"})
	})
	assert.True(t, m.Failed_)
}

func TestAssertStreamSequence(t *testing.T) {
	events := orderEvents()
	AssertStreamSequence(t, events, "order-1", 0)
	AssertStreamSequence(t, events[1:], "order-1", 1)

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertStreamSequence(m, events[1:], "order-1", 0)
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "sequence id")

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertStreamSequence(m, events, "order-2", 0)
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "expected stream")
}

func TestAssertGlobalOrder(t *testing.T) {
	events := orderEvents()
	AssertGlobalOrder(t, events)
	AssertGlobalOrder(t, nil)

	events[2].GlobalPosition = 5
	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertGlobalOrder(m, events)
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "does not follow")
}

func TestAssertCausedBy(t *testing.T) {
	cause := orderEvents()[0]
	cause.Headers.TraceID = "trace-1"

	typ := keel.NewAggregateType("invoice", func() int { return 0 })
	typ.On("ItemAdded", func(s int, _ keel.Event) (int, error) { return s + 1, nil })
	invoice := typ.New("9")
	assert.NoError(t, invoice.Raise(ItemAdded{SKU: "a"}, keel.CausedBy(cause)))

	effect := invoice.Pending()[0]
	AssertCausedBy(t, effect, cause)

	effect.Headers.OriginStream = "invoice-9"
	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertCausedBy(m, effect, cause)
	})
	assert.True(t, m.Failed_)
	assert.Contains(t, m.Message, "origin stream")
}

func TestDiffPayloads(t *testing.T) {
	events := orderEvents()

	t.Run("equal", func(t *testing.T) {
		diffs := DiffPayloads(Payloads(events), events)
		assert.Empty(t, diffs)
		assert.Equal(t, "no differences", FormatDiffs(diffs))
		AssertPayloadsEqual(t, Payloads(events), events)
	})

	t.Run("missing extra and mismatch", func(t *testing.T) {
		diffs := DiffPayloads([]interface{}{OrderPlaced{Customer: "bob"}}, events[:2])
		assert.Len(t, diffs, 2)
		assert.Equal(t, DiffMismatch, diffs[0].Type)
		assert.Equal(t, DiffExtra, diffs[1].Type)

		diffs = DiffPayloads(Payloads(events), events[:1])
		assert.Len(t, diffs, 2)
		assert.Equal(t, DiffMissing, diffs[0].Type)
		assert.Equal(t, 1, diffs[0].Index)

		out := FormatDiffs(DiffPayloads([]interface{}{OrderPlaced{Customer: "bob"}}, events[:2]))
		assert.Contains(t, out, "Event 0 (mismatch)")
		assert.Contains(t, out, "(unexpected)")
	})

	t.Run("assert reports diff", func(t *testing.T) {
		m := testutil.RunWithMockT(func(m *testutil.MockT) {
			AssertPayloadsEqual(m, nil, events)
		})
		assert.True(t, m.Failed_)
		assert.Contains(t, m.Message, "Event differences")
	})
}

func TestDiffType_String(t *testing.T) {
	assert.Equal(t, "missing", DiffMissing.String())
	assert.Equal(t, "extra", DiffExtra.String())
	assert.Equal(t, "mismatch", DiffMismatch.String())
	assert.Equal(t, "unknown", DiffType(9).String())
}

func TestMatchers(t *testing.T) {
	events := append(orderEvents(), keel.Event{Type: "OrderPlaced", StreamName: "order-2", Data: OrderPlaced{Customer: "bob"}})

	assert.Equal(t, 2, CountMatches(events, MatchEventType("ItemAdded")))
	assert.Equal(t, 3, CountMatches(events, MatchStream("order-1")))
	assert.Equal(t, 4, CountMatches(events, MatchCategory("order")))
	assert.Equal(t, 1, CountMatches(events, MatchPayload(OrderPlaced{Customer: "bob"})))
	assert.Len(t, FilterEvents(events, MatchStream("order-2")), 1)
	assert.Empty(t, FilterEvents(events, MatchCategory("cart")))

	AssertAnyMatch(t, events, MatchEventType("OrderPlaced"))
	AssertNoneMatch(t, events, MatchEventType("OrderShipped"))

	m := testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertAnyMatch(m, events, MatchCategory("cart"))
	})
	assert.True(t, m.Failed_)

	m = testutil.RunWithMockT(func(m *testutil.MockT) {
		AssertNoneMatch(m, events, MatchStream("order-2"))
	})
	assert.True(t, m.Failed_)
}
