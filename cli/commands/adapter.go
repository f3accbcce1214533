package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/adapters/memory"
	"github.com/AshkanYarmoradi/go-keel/adapters/postgres"
	"github.com/AshkanYarmoradi/go-keel/adapters/sqlite"
	"github.com/AshkanYarmoradi/go-keel/broker/kafka"
	"github.com/AshkanYarmoradi/go-keel/broker/rabbitmq"
	"github.com/AshkanYarmoradi/go-keel/cli/config"
	"github.com/AshkanYarmoradi/go-keel/middleware/metrics"
)

// pingTimeout bounds the connectivity check made when a runtime is opened.
const pingTimeout = 5 * time.Second

// storageAdapter is what the SQL and memory adapters provide on top of the
// event store port.
type storageAdapter interface {
	adapters.EventStoreAdapter
	adapters.CheckpointAdapter
}

// Runtime holds the components a command works with, built from a Config.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	// Storage is the raw adapter. Store goes through the metrics middleware.
	Storage     storageAdapter
	Store       *keel.EventStore
	Broker      adapters.Broker
	Checkpoints adapters.CheckpointAdapter
	DeadLetters adapters.DeadLetterStore
	Metrics     *metrics.Metrics

	closers []func() error
}

// OpenRuntime connects to the event store and broker named by cfg.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(metrics.WithMetricsServiceName(serviceName(cfg))),
	}

	storage, deadLetters, err := openStorage(cfg.EventStore)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, storage.Close)
	rt.Storage = storage
	rt.Checkpoints = storage
	rt.DeadLetters = deadLetters

	if err := storage.Initialize(ctx); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize %s event store: %w", cfg.EventStore.Driver, err)
	}

	broker, err := openBroker(cfg.Broker)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, broker.Close)
	rt.Broker = broker

	if err := ping(ctx, broker); err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("broker %s unreachable: %w", cfg.Broker.Driver, err)
	}

	rt.Store = keel.New(rt.Metrics.WrapEventStore(storage), keel.WithLogger(keel.NewSlogLogger(logger)))

	logger.Debug("runtime opened",
		"event_store", cfg.EventStore.Driver,
		"broker", cfg.Broker.Driver,
	)
	return rt, nil
}

func serviceName(cfg *config.Config) string {
	if cfg.Service == "" {
		return "keel"
	}
	return cfg.Service
}

func openStorage(cfg config.EventStoreConfig) (storageAdapter, adapters.DeadLetterStore, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewAdapter(), memory.NewDeadLetterStore(), nil
	case "postgres":
		var opts []postgres.Option
		if cfg.Schema != "" {
			opts = append(opts, postgres.WithSchema(cfg.Schema))
		}
		a, err := postgres.NewAdapter(cfg.URL, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres event store: %w", err)
		}
		return a, a, nil
	case "sqlite":
		a, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite event store: %w", err)
		}
		return a, a, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event store driver %q", cfg.Driver)
	}
}

func openBroker(cfg config.BrokerConfig) (adapters.Broker, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewBroker(), nil
	case "kafka":
		return kafka.New(kafka.WithBrokers(cfg.Brokers...)), nil
	case "rabbitmq":
		b, err := rabbitmq.Dial(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to rabbitmq: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Driver)
	}
}

func ping(ctx context.Context, target interface{}) error {
	hc, ok := target.(adapters.HealthChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return hc.Ping(ctx)
}

// Engine returns a subscription engine wired to the runtime's broker,
// checkpoints, dead letters and metrics.
func (r *Runtime) Engine() *keel.SubscriptionEngine {
	return keel.NewSubscriptionEngine(r.Store,
		keel.WithBroker(r.Broker),
		keel.WithCheckpoints(r.Checkpoints),
		keel.WithDeadLetters(r.DeadLetters),
		keel.WithEngineLogger(keel.NewSlogLogger(r.Logger)),
		keel.WithSubscriptionMetrics(r.Metrics.Subscriptions()),
	)
}

// Relay returns an outbox relay publishing to the runtime's broker.
func (r *Runtime) Relay(name string) *keel.Relay {
	opts := append(r.Config.RelayOptions(),
		keel.WithRelayName(name),
		keel.WithRelayLogger(keel.NewSlogLogger(r.Logger)),
		keel.WithRelayMetrics(r.Metrics.Relay(name)),
	)
	return keel.NewRelay(r.Store, r.Broker, r.Checkpoints, opts...)
}

// Close releases the broker and the event store, in that order.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && !errors.Is(err, keel.ErrAdapterClosed) {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
