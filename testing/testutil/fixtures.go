package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	keel "github.com/AshkanYarmoradi/go-keel"
)

// =============================================================================
// Domain Events for Testing
// =============================================================================

// OrderCreated event for testing.
type OrderCreated struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

// ItemAdded event for testing.
type ItemAdded struct {
	OrderID  string  `json:"orderId"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderShipped event for testing.
type OrderShipped struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
}

// OrderCancelled event for testing.
type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// =============================================================================
// Test Entity
// =============================================================================

// Order statuses.
const (
	StatusCreated   = "Created"
	StatusShipped   = "Shipped"
	StatusCancelled = "Cancelled"
)

// Command errors raised by the order commands.
var (
	ErrOrderExists      = errors.New("order already exists")
	ErrOrderNotOpen     = errors.New("order is not open")
	ErrEmptyOrder       = errors.New("cannot ship empty order")
	ErrOrderHasShipped  = errors.New("cannot cancel shipped order")
	ErrShippedEmpty     = errors.New("shipped order has no items")
)

// OrderItem represents an item in an order.
type OrderItem struct {
	SKU      string
	Quantity int
	Price    float64
}

// Order is the state of the test order entity. Handlers copy Items before
// appending so earlier states are never mutated.
type Order struct {
	CustomerID     string
	Items          []OrderItem
	Status         string
	TrackingNumber string
	CancelReason   string
}

// TotalAmount calculates the total order amount.
func (o Order) TotalAmount() float64 {
	total := 0.0
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.Price
	}
	return total
}

// OrderType returns a fresh AggregateType for the "order" category.
func OrderType() *keel.AggregateType[Order] {
	typ := keel.NewAggregateType("order", func() Order { return Order{} })

	keel.HandleFunc(typ, func(o Order, e OrderCreated) (Order, error) {
		o.CustomerID = e.CustomerID
		o.Status = StatusCreated
		return o, nil
	})
	keel.HandleFunc(typ, func(o Order, e ItemAdded) (Order, error) {
		items := make([]OrderItem, len(o.Items), len(o.Items)+1)
		copy(items, o.Items)
		o.Items = append(items, OrderItem{SKU: e.SKU, Quantity: e.Quantity, Price: e.Price})
		return o, nil
	})
	keel.HandleFunc(typ, func(o Order, e OrderShipped) (Order, error) {
		o.Status = StatusShipped
		o.TrackingNumber = e.TrackingNumber
		return o, nil
	})
	keel.HandleFunc(typ, func(o Order, e OrderCancelled) (Order, error) {
		o.Status = StatusCancelled
		o.CancelReason = e.Reason
		return o, nil
	})

	typ.Invariant("shipped orders have items", func(o Order) error {
		if o.Status == StatusShipped && len(o.Items) == 0 {
			return ErrShippedEmpty
		}
		return nil
	})
	return typ
}

// OrderCommand is a command run against an order entity.
type OrderCommand = func(e *keel.Entity[Order]) error

// CreateOrder raises OrderCreated on a blank order.
func CreateOrder(customerID string) OrderCommand {
	return func(e *keel.Entity[Order]) error {
		if e.State().Status != "" {
			return ErrOrderExists
		}
		return e.Raise(OrderCreated{OrderID: e.ID(), CustomerID: customerID})
	}
}

// AddItem raises ItemAdded on an open order.
func AddItem(sku string, qty int, price float64) OrderCommand {
	return func(e *keel.Entity[Order]) error {
		if e.State().Status != StatusCreated {
			return fmt.Errorf("%w: status is %q", ErrOrderNotOpen, e.State().Status)
		}
		return e.Raise(ItemAdded{OrderID: e.ID(), SKU: sku, Quantity: qty, Price: price})
	}
}

// ShipOrder raises OrderShipped on an open order with items.
func ShipOrder(trackingNumber string) OrderCommand {
	return func(e *keel.Entity[Order]) error {
		s := e.State()
		if s.Status != StatusCreated {
			return fmt.Errorf("%w: status is %q", ErrOrderNotOpen, s.Status)
		}
		if len(s.Items) == 0 {
			return ErrEmptyOrder
		}
		return e.Raise(OrderShipped{OrderID: e.ID(), TrackingNumber: trackingNumber})
	}
}

// CancelOrder raises OrderCancelled unless the order shipped or is already
// cancelled.
func CancelOrder(reason string) OrderCommand {
	return func(e *keel.Entity[Order]) error {
		switch e.State().Status {
		case StatusShipped:
			return ErrOrderHasShipped
		case StatusCancelled:
			return nil
		}
		return e.Raise(OrderCancelled{OrderID: e.ID(), Reason: reason})
	}
}

// RegisterTestEvents registers the order event types with the store.
func RegisterTestEvents(store *keel.EventStore) {
	store.RegisterEvents(OrderCreated{}, ItemAdded{}, OrderShipped{}, OrderCancelled{})
}

// =============================================================================
// Read Model for Testing
// =============================================================================

// OrderSummary is a simple read model for orders.
type OrderSummary struct {
	OrderID        string
	CustomerID     string
	ItemCount      int
	TotalAmount    float64
	Status         string
	TrackingNumber string
}

// OrderReadModel is a subscription handler that keeps one summary per order.
// Events it has already applied are skipped, since delivery is at-least-once.
type OrderReadModel struct {
	mu      sync.RWMutex
	orders  map[string]*OrderSummary
	seen    map[string]struct{}
	updates int
}

// NewOrderReadModel creates a new read model.
func NewOrderReadModel() *OrderReadModel {
	return &OrderReadModel{
		orders: make(map[string]*OrderSummary),
		seen:   make(map[string]struct{}),
	}
}

// Handle implements keel.EventHandler.
func (rm *OrderReadModel) Handle(_ context.Context, event keel.Event) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, dup := rm.seen[event.ID]; dup && event.ID != "" {
		return nil
	}

	name, err := keel.ParseStreamName(event.StreamName)
	if err != nil {
		return err
	}
	orderID := name.ID

	switch e := event.Data.(type) {
	case OrderCreated:
		rm.orders[orderID] = &OrderSummary{
			OrderID:    orderID,
			CustomerID: e.CustomerID,
			Status:     StatusCreated,
		}
	case ItemAdded:
		if summary, ok := rm.orders[orderID]; ok {
			summary.ItemCount++
			summary.TotalAmount += float64(e.Quantity) * e.Price
		}
	case OrderShipped:
		if summary, ok := rm.orders[orderID]; ok {
			summary.Status = StatusShipped
			summary.TrackingNumber = e.TrackingNumber
		}
	case OrderCancelled:
		if summary, ok := rm.orders[orderID]; ok {
			summary.Status = StatusCancelled
		}
	default:
		return fmt.Errorf("testutil: unexpected %s payload %T", event.Type, event.Data)
	}

	rm.seen[event.ID] = struct{}{}
	rm.updates++
	return nil
}

// Get returns a copy of the summary of orderID, or nil.
func (rm *OrderReadModel) Get(orderID string) *OrderSummary {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	s, ok := rm.orders[orderID]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// Count returns the number of orders in the read model.
func (rm *OrderReadModel) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.orders)
}

// UpdateCount returns the number of events applied.
func (rm *OrderReadModel) UpdateCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.updates
}

var _ keel.EventHandler = (*OrderReadModel)(nil)
