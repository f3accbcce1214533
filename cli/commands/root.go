// Package commands provides the CLI command implementations for keel.
package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-keel/cli/config"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// cli carries the global flags and, in tests, a preassembled runtime.
type cli struct {
	configPath string
	logLevel   string
	noColor    bool

	runtime *Runtime
}

// RootOption configures the root command.
type RootOption func(*cli)

// WithRuntime makes every command use rt instead of opening one from the
// configuration. The caller keeps ownership of rt.
func WithRuntime(rt *Runtime) RootOption {
	return func(c *cli) {
		c.runtime = rt
	}
}

// NewRootCommand creates the root command for the keel CLI
func NewRootCommand(opts ...RootOption) *cobra.Command {
	c := &cli{}
	for _, opt := range opts {
		opt(c)
	}

	rootCmd := &cobra.Command{
		Use:   "keel",
		Short: "Operate a keel event store and its delivery pipeline",
		Long: ui.SimpleBanner() + `

keel stores events in append-only streams and delivers them to
subscriptions through a broker, retrying failures and parking the
ones that keep failing in a dead letter queue.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("keel config init") + `       Write a keel.yaml
  ` + styles.Code.Render("keel store migrate") + `     Create the event store tables
  ` + styles.Code.Render("keel relay run") + `         Forward stored events to the broker
  ` + styles.Code.Render("keel dlq list") + `          Inspect dead letters`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.noColor {
				styles.DisableColors()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to keel.yaml (default: search upward from the working directory)")
	rootCmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(c.newConfigCommand())
	rootCmd.AddCommand(c.newStoreCommand())
	rootCmd.AddCommand(c.newStreamCommand())
	rootCmd.AddCommand(c.newRelayCommand())
	rootCmd.AddCommand(c.newDLQCommand())
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}

// loadConfig reads --config, else the nearest keel.yaml, else the defaults
// with KEEL_* overrides. It returns where the configuration came from.
func (c *cli) loadConfig() (*config.Config, string, error) {
	if c.runtime != nil {
		return c.runtime.Config, "runtime", nil
	}
	if c.configPath != "" {
		cfg, err := config.LoadFile(c.configPath)
		return cfg, c.configPath, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if err == nil {
		return cfg, filepath.Join(dir, config.ConfigFileName), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}

	cfg, err = config.FromEnv()
	return cfg, "environment", err
}

// openRuntime returns the injected runtime or opens one from the
// configuration. The returned func releases what was opened.
func (c *cli) openRuntime(cmd *cobra.Command) (*Runtime, func(), error) {
	if c.runtime != nil {
		return c.runtime, func() {}, nil
	}

	cfg, _, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), c.logLevel)
	if err != nil {
		return nil, nil, err
	}

	rt, err := OpenRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return rt, func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "error", err)
		}
	}, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
