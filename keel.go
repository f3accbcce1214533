// Package keel provides an event-sourced state engine and a fault tolerant
// event delivery subsystem for Go applications.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/AshkanYarmoradi/go-keel"
//	    "github.com/AshkanYarmoradi/go-keel/adapters/memory"
//	)
//
//	store := keel.New(memory.NewAdapter())
//
// For production, use the PostgreSQL adapter:
//
//	adapter, err := postgres.NewAdapter(ctx, connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := keel.New(adapter)
//
// # Entities
//
// Entity behaviour is declared on an AggregateType: one handler per
// (entity type, event type) pair plus named invariants.
//
//	type Order struct {
//	    Items  int
//	    Status string
//	}
//
//	orders := keel.NewAggregateType[Order]("order", func() Order { return Order{} })
//	keel.HandleFunc(orders, "OrderPlaced", func(s Order, e OrderPlaced) (Order, error) {
//	    s.Status = "placed"
//	    return s, nil
//	})
//	orders.Invariant("non-negative-items", func(s Order) error {
//	    if s.Items < 0 {
//	        return errors.New("items must not be negative")
//	    }
//	    return nil
//	})
//
// Raising an event folds it into the entity immediately and queues it for
// persistence:
//
//	order := orders.New("1")
//	if err := order.Raise(OrderPlaced{}); err != nil {
//	    // state and version are unchanged
//	}
//
// # Repository and Snapshots
//
// A Repository loads entities through the snapshot manager and saves their
// pending events with optimistic concurrency:
//
//	repo := keel.NewRepository(store, orders)
//	order, err := repo.Load(ctx, "1")
//	_ = order.Raise(ItemAdded{SKU: "A"})
//	err = repo.Save(ctx, order)
//
// # Subscriptions
//
// Consumers register with the SubscriptionEngine. Stream subscriptions read
// a broker consumer group with retries and a dead letter queue; event store
// subscriptions read a category directly and stop on the first failure.
//
//	engine := keel.NewSubscriptionEngine(store, keel.WithBroker(broker))
//	err := engine.Register(handler, keel.SubscriptionConfig{
//	    Name:  "billing",
//	    Type:  keel.SubscriptionTypeStream,
//	    Stream: "order",
//	})
//	err = engine.Start(ctx)
//
// # Outbox Relay
//
// The relay copies appended events to the broker in global position order
// so that stream subscriptions see them:
//
//	relay := keel.NewRelay(store, broker, checkpoints)
//	err := relay.Start(ctx)
package keel

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}

// BuildStreamName creates a stream name from a category and identifier.
// This follows the convention: "{category}-{identifier}".
func BuildStreamName(category, id string) string {
	return category + "-" + id
}
