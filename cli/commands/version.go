package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	keel "github.com/AshkanYarmoradi/go-keel"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)
			fmt.Fprint(out, ui.KeyValues(
				"Version", version,
				"Library", keel.Version(),
				"Commit", commit,
				"Built", date,
				"Go", runtime.Version(),
				"OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
			))
			return nil
		},
	}
}
