package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/adapters"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

func (c *cli) newStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect event streams",
		Long: `Inspect stored event streams and broker consumer groups.

Examples:
  keel stream read order-42          # Events of one stream
  keel stream read order --category  # Events of every order-* stream
  keel stream read order-42 --json   # One JSON object per line
  keel stream stats order --group projector`,
	}

	cmd.AddCommand(c.newStreamReadCommand())
	cmd.AddCommand(c.newStreamStatsCommand())

	return cmd
}

// eventLine is the JSON form of an event printed by stream read.
type eventLine struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	Stream         string      `json:"stream"`
	SequenceID     int64       `json:"sequence_id"`
	GlobalPosition uint64      `json:"global_position"`
	Timestamp      time.Time   `json:"timestamp"`
	TraceID        string      `json:"trace_id,omitempty"`
	OriginStream   string      `json:"origin_stream,omitempty"`
	Data           interface{} `json:"data"`
}

func (c *cli) newStreamReadCommand() *cobra.Command {
	var (
		from     int64
		limit    int
		category bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Print the events of a stream or category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			var events []keel.Event
			if category {
				events, err = rt.Store.ReadCategory(ctx, args[0], uint64(from), limit)
			} else {
				events, err = rt.Store.ReadEvents(ctx, args[0], from)
				if limit > 0 && len(events) > limit {
					events = events[:limit]
				}
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				for _, e := range events {
					if err := enc.Encode(eventLine{
						ID:             e.ID,
						Type:           e.Type,
						Stream:         e.StreamName,
						SequenceID:     e.SequenceID,
						GlobalPosition: e.GlobalPosition,
						Timestamp:      e.Timestamp,
						TraceID:        e.Headers.TraceID,
						OriginStream:   e.Headers.OriginStream,
						Data:           e.Data,
					}); err != nil {
						return err
					}
				}
				return nil
			}

			if len(events) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No events in "+args[0]))
				return nil
			}

			table := ui.NewTable("Seq", "Position", "Type", "Stream", "Time", "Data")
			for _, e := range events {
				data, _ := json.Marshal(e.Data)
				table.AddRow(
					strconv.FormatInt(e.SequenceID, 10),
					strconv.FormatUint(e.GlobalPosition, 10),
					e.Type,
					e.StreamName,
					e.Timestamp.Format(time.RFC3339),
					ui.Truncate(string(data), 60),
				)
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" "+args[0]))
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.Muted.Render(fmt.Sprintf("%d events", len(events))))
			return nil
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "First sequence id, or global position (exclusive) with --category")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events (0 for all)")
	cmd.Flags().BoolVar(&category, "category", false, "Treat the argument as a category")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per event")

	return cmd
}

func (c *cli) newStreamStatsCommand() *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "stats <stream>",
		Short: "Show the backlog of a consumer group on a broker stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			provider, ok := rt.Broker.(adapters.BrokerStatsProvider)
			if !ok {
				return fmt.Errorf("%s broker does not report statistics", rt.Config.Broker.Driver)
			}
			stats, err := provider.Stats(cmd.Context(), args[0], group)
			if err != nil {
				return err
			}

			status := "healthy"
			if stats.Backlog > 0 || stats.Pending > 0 {
				status = "lagging"
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" "+stats.Stream+" / "+stats.Group)+" "+ui.StatusBadge(status))
			fmt.Fprint(out, ui.KeyValues(
				"Backlog", strconv.FormatInt(stats.Backlog, 10),
				"Pending", strconv.FormatInt(stats.Pending, 10),
			))
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "Consumer group")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}
