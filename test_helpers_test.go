package keel

// Shared test domain and doubles for keel package tests.

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// =============================================================================
// Order domain
// =============================================================================

type OrderPlaced struct {
	Customer string `json:"customer"`
	Total    int    `json:"total"`
}

type ItemAdded struct {
	SKU   string `json:"sku"`
	Price int    `json:"price"`
}

type OrderShipped struct {
	Carrier string `json:"carrier,omitempty"`
}

type Order struct {
	Customer string `json:"customer"`
	Items    int    `json:"items"`
	Total    int    `json:"total"`
	Status   string `json:"status"`
}

var errOrderNotOpen = errors.New("order is not open")

func newOrderType() *AggregateType[Order] {
	orders := NewAggregateType("order", func() Order { return Order{} })

	HandleFunc(orders, func(s Order, e OrderPlaced) (Order, error) {
		if s.Status != "" {
			return s, errors.New("order already placed")
		}
		s.Customer = e.Customer
		s.Total = e.Total
		s.Status = "placed"
		return s, nil
	})
	HandleFunc(orders, func(s Order, e ItemAdded) (Order, error) {
		if s.Status != "placed" {
			return s, errOrderNotOpen
		}
		s.Items++
		s.Total += e.Price
		return s, nil
	})
	HandleFunc(orders, func(s Order, e OrderShipped) (Order, error) {
		s.Status = "shipped"
		return s, nil
	})

	orders.Invariant("non-negative-total", func(s Order) error {
		if s.Total < 0 {
			return errors.New("total must not be negative")
		}
		return nil
	})
	return orders
}

// =============================================================================
// Flaky adapter
// =============================================================================

var errTransient = errors.New("connection reset")

// flakyAdapter fails the first n read calls with errTransient.
type flakyAdapter struct {
	adapters.EventStoreAdapter
	failures atomic.Int32
	reads    atomic.Int32
}

func newFlakyAdapter(inner adapters.EventStoreAdapter, failures int) *flakyAdapter {
	f := &flakyAdapter{EventStoreAdapter: inner}
	f.failures.Store(int32(failures))
	return f
}

func (f *flakyAdapter) fail() error {
	f.reads.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errTransient
	}
	return nil
}

func (f *flakyAdapter) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.EventStoreAdapter.Load(ctx, streamName, fromSequence, limit)
}

func (f *flakyAdapter) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.EventStoreAdapter.LoadCategory(ctx, category, fromPosition, limit)
}

func (f *flakyAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.EventStoreAdapter.LoadFromPosition(ctx, fromPosition, limit)
}

// =============================================================================
// Recording consumer
// =============================================================================

// recordingHandler records every event it sees and fails while failFn says so.
type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	failFn func(Event, int) error
	calls  map[string]int
}

func newRecordingHandler(failFn func(Event, int) error) *recordingHandler {
	return &recordingHandler{failFn: failFn, calls: make(map[string]int)}
}

func (h *recordingHandler) Handle(ctx context.Context, evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.calls[evt.ID]++
	if h.failFn != nil {
		if err := h.failFn(evt, h.calls[evt.ID]); err != nil {
			return err
		}
	}
	h.events = append(h.events, evt)
	return nil
}

func (h *recordingHandler) handled() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func (h *recordingHandler) attempts(eventID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[eventID]
}

func (h *recordingHandler) totalCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.calls {
		total += n
	}
	return total
}
