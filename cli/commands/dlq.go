package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

func (c *cli) newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead letters",
		Long: `Messages that keep failing after max_retries are parked in the dead
letter queue. They stay there until an operator requeues or discards them.

Examples:
  keel dlq list --subscription projector
  keel dlq show <id>
  keel dlq requeue <id>
  keel dlq discard <id> --yes`,
	}

	cmd.AddCommand(c.newDLQListCommand())
	cmd.AddCommand(c.newDLQShowCommand())
	cmd.AddCommand(c.newDLQRequeueCommand())
	cmd.AddCommand(c.newDLQDiscardCommand())

	return cmd
}

func (c *cli) newDLQListCommand() *cobra.Command {
	var (
		subscription string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			letters, err := rt.DeadLetters.ListDeadLetters(cmd.Context(), subscription, limit)
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Fprintln(out, styles.FormatSuccess("Dead letter queue is empty"))
				return nil
			}

			table := ui.NewTable("ID", "Subscription", "Stream", "Event", "Retries", "Failed", "Error")
			for _, l := range letters {
				table.AddRow(
					l.ID,
					l.Subscription,
					l.Stream,
					l.EventType,
					strconv.Itoa(l.RetryCount),
					l.FailedAt.Format(time.RFC3339),
					ui.Truncate(l.LastError, 50),
				)
			}
			fmt.Fprintln(out, styles.Title.Render(styles.IconDeadLetter+" Dead letters"))
			fmt.Fprintln(out, table.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&subscription, "subscription", "s", "", "Only this subscription")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of dead letters (0 for all)")

	return cmd
}

func (c *cli) newDLQShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a dead letter with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			l, err := rt.DeadLetters.GetDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprint(out, ui.KeyValues(
				"ID", l.ID,
				"Subscription", l.Subscription,
				"Consumer group", l.ConsumerGroup,
				"Stream", l.Stream,
				"Message", l.MessageID,
				"Event", l.EventID+" ("+l.EventType+")",
				"Retries", strconv.Itoa(l.RetryCount),
				"Failed at", l.FailedAt.Format(time.RFC3339),
				"Error", l.LastError,
			))

			payload := string(l.Payload)
			var pretty json.RawMessage
			if json.Unmarshal(l.Payload, &pretty) == nil {
				if b, err := json.MarshalIndent(pretty, "", "  "); err == nil {
					payload = string(b)
				}
			}
			fmt.Fprintln(out, styles.Box.Render(payload))
			return nil
		},
	}
}

func (c *cli) newDLQRequeueCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Publish dead letters back onto their stream",
		Long: `Publish dead letters back onto their broker stream and remove them from
the queue. Requeued messages are delivered to their subscription again even
though its position already moved past them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !yes {
				ok, err := confirm(fmt.Sprintf("Requeue %d dead letter(s)?", len(args)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, styles.FormatInfo("Cancelled"))
					return nil
				}
			}

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			for _, id := range args {
				msgID, err := keel.RequeueDeadLetter(cmd.Context(), rt.DeadLetters, rt.Broker, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Requeued %s as message %s", id, msgID)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func (c *cli) newDLQDiscardCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "discard <id>...",
		Short: "Delete dead letters without redelivering them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if !yes {
				ok, err := confirm(fmt.Sprintf("Discard %d dead letter(s)? This cannot be undone.", len(args)))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, styles.FormatInfo("Cancelled"))
					return nil
				}
			}

			rt, done, err := c.openRuntime(cmd)
			if err != nil {
				return err
			}
			defer done()

			for _, id := range args {
				if err := rt.DeadLetters.DeleteDeadLetter(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(out, styles.FormatSuccess("Discarded "+id))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithTheme(huh.ThemeDracula()).Run()
	return ok, err
}
