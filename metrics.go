package keel

import "time"

// SubscriptionMetrics collects metrics about subscription processing.
type SubscriptionMetrics interface {
	RecordDelivery(subscription, eventType string, success bool, duration time.Duration)
	RecordRetry(subscription string)
	RecordDeadLetter(subscription string)
	RecordPosition(subscription string, position uint64)
}

// RelayMetrics collects metrics about the outbox relay.
type RelayMetrics interface {
	RecordPublished(stream string, success bool)
	RecordBatchDuration(duration time.Duration)
	RecordPosition(position uint64)
}

type noopSubscriptionMetrics struct{}

func (m *noopSubscriptionMetrics) RecordDelivery(subscription, eventType string, success bool, duration time.Duration) {
}
func (m *noopSubscriptionMetrics) RecordRetry(subscription string)                     {}
func (m *noopSubscriptionMetrics) RecordDeadLetter(subscription string)                {}
func (m *noopSubscriptionMetrics) RecordPosition(subscription string, position uint64) {}

type noopRelayMetrics struct{}

func (m *noopRelayMetrics) RecordPublished(stream string, success bool)  {}
func (m *noopRelayMetrics) RecordBatchDuration(duration time.Duration) {}
func (m *noopRelayMetrics) RecordPosition(position uint64)             {}
