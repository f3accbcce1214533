package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
)

// shutdownTimeout bounds how long relay run waits for the in-flight batch.
const shutdownTimeout = 30 * time.Second

// ErrOutboxDisabled is returned by the relay commands when enable_outbox is off.
var ErrOutboxDisabled = errors.New("outbox relay disabled by configuration (enable_outbox: false)")

func (c *cli) newRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward stored events to the broker",
		Long: `The outbox relay reads the event store in global order and publishes
every event to the broker stream named after its category. Its position is
checkpointed after each publish, so a restart resumes where it stopped and
an event may be published twice but is never skipped.

Examples:
  keel relay run                       # Relay until interrupted
  keel relay run --metrics-addr :9090  # Also serve /metrics
  keel relay drain                     # Relay what is stored, then exit`,
	}

	cmd.AddCommand(c.newRelayRunCommand())
	cmd.AddCommand(c.newRelayDrainCommand())

	return cmd
}

func (c *cli) newRelayRunCommand() *cobra.Command {
	var (
		name        string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the outbox relay until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			if !rt.Config.EnableOutbox {
				return ErrOutboxDisabled
			}

			if metricsAddr == "" {
				metricsAddr = rt.Config.MetricsAddr
			}
			if metricsAddr != "" {
				srv, err := serveMetrics(rt, metricsAddr)
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			relay := rt.Relay(name)
			if err := relay.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("%s Relay %s started at position %d", styles.IconRelay, relay.Name(), relay.Position())))

			<-ctx.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := relay.Stop(stopCtx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatInfo(fmt.Sprintf("Relay %s stopped at position %d", relay.Name(), relay.Position())))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", keel.DefaultRelayName, "Relay name, used as its checkpoint key")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (default: metrics_addr)")

	return cmd
}

func (c *cli) newRelayDrainCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Relay every stored event not yet published, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			if !rt.Config.EnableOutbox {
				return ErrOutboxDisabled
			}

			relay := rt.Relay(name)
			n, err := relay.Drain(cmd.Context())
			if err != nil {
				return fmt.Errorf("relayed %d events before failing: %w", n, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Relayed %d events, position %d", n, relay.Position())))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", keel.DefaultRelayName, "Relay name, used as its checkpoint key")
	return cmd
}

// serveMetrics registers the runtime's collectors on a fresh registry and
// serves them on addr until the returned server is shut down.
func serveMetrics(rt *Runtime, addr string) (*http.Server, error) {
	registry := prometheus.NewRegistry()
	if err := rt.Metrics.Register(registry); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	rt.Logger.Info("serving metrics", "addr", addr)
	return srv, nil
}
