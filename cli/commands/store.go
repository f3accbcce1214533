package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

func (c *cli) newStoreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the event store",
		Long: `Manage the event store schema and check its health.

Examples:
  keel store migrate   # Create or upgrade the tables
  keel store status    # Show connectivity and positions`,
	}

	cmd.AddCommand(c.newStoreMigrateCommand())
	cmd.AddCommand(c.newStoreStatusCommand())

	return cmd
}

func (c *cli) newStoreMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the event store tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			migrator, ok := rt.Storage.(adapters.Migrator)
			if !ok {
				fmt.Fprintln(out, styles.FormatInfo(rt.Config.EventStore.Driver+" event store has no schema to migrate"))
				return nil
			}

			if err := migrator.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			version, err := migrator.MigrationVersion(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Event store schema at version %d", version)))
			return nil
		},
	}
}

func (c *cli) newStoreStatusCommand() *cobra.Command {
	var relay string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show event store and broker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			storeHealth := "ok"
			if err := ping(ctx, rt.Storage); err != nil {
				storeHealth = "error: " + err.Error()
			}
			brokerHealth := "ok"
			if err := ping(ctx, rt.Broker); err != nil {
				brokerHealth = "error: " + err.Error()
			}

			schema := "n/a"
			if m, ok := rt.Storage.(adapters.Migrator); ok {
				v, err := m.MigrationVersion(ctx)
				if err != nil {
					return err
				}
				schema = strconv.Itoa(v)
			}

			last, err := rt.Store.LastPosition(ctx)
			if err != nil {
				return err
			}
			relayed, err := rt.Checkpoints.GetCheckpoint(ctx, relay)
			if err != nil {
				return err
			}

			fmt.Fprintln(out, styles.Title.Render(styles.IconKeel+" Status"))
			fmt.Fprint(out, ui.KeyValues(
				"Event store", rt.Config.EventStore.Driver,
				"Event store health", storeHealth,
				"Schema version", schema,
				"Broker", rt.Config.Broker.Driver,
				"Broker health", brokerHealth,
				"Last position", strconv.FormatUint(last, 10),
				"Relay "+relay, strconv.FormatUint(relayed, 10),
			))
			if relayed < last {
				fmt.Fprintln(out, styles.FormatWarning(fmt.Sprintf("%d events not yet relayed", last-relayed)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&relay, "relay", keel.DefaultRelayName, "Relay checkpoint to report")
	return cmd
}
