package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AshkanYarmoradi/go-keel/cli/config"
	"github.com/AshkanYarmoradi/go-keel/cli/styles"
	"github.com/AshkanYarmoradi/go-keel/cli/ui"
)

func (c *cli) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and print keel.yaml",
	}

	cmd.AddCommand(c.newConfigInitCommand())
	cmd.AddCommand(c.newConfigValidateCommand())
	cmd.AddCommand(c.newConfigShowCommand())

	return cmd
}

func (c *cli) newConfigInitCommand() *cobra.Command {
	var (
		service        string
		storeDriver    string
		storeURL       string
		brokerDriver   string
		brokerAddr     string
		force          bool
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a keel.yaml",
		Long: `Write a commented keel.yaml with the default delivery settings.

Examples:
  keel config init
  keel config init deploy --store sqlite --store-url keel.db --non-interactive
  keel config init --broker kafka --broker-addr localhost:9092`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			if config.Exists(absDir) && !force {
				fmt.Fprintln(out, styles.FormatWarning(config.ConfigFileName+" already exists, use --force to overwrite"))
				return nil
			}

			cfg := config.Default()
			cfg.Service = service
			if cfg.Service == "" {
				cfg.Service = filepath.Base(absDir)
			}
			if storeDriver != "" {
				cfg.EventStore.Driver = storeDriver
			}
			cfg.EventStore.URL = storeURL
			if brokerDriver != "" {
				cfg.Broker.Driver = brokerDriver
			}

			if !nonInteractive {
				fmt.Fprintln(out, ui.Banner())
				form := huh.NewForm(
					huh.NewGroup(
						huh.NewInput().
							Title("Service").
							Description("Name reported in logs and metrics").
							Value(&cfg.Service),
					),
					huh.NewGroup(
						huh.NewSelect[string]().
							Title("Event store").
							Options(
								huh.NewOption("PostgreSQL", "postgres"),
								huh.NewOption("SQLite", "sqlite"),
								huh.NewOption("In-memory (tests only)", "memory"),
							).
							Value(&cfg.EventStore.Driver),
						huh.NewInput().
							Title("Event store URL").
							Description("Connection string or database file; may reference ${VARS}").
							Value(&cfg.EventStore.URL),
					),
					huh.NewGroup(
						huh.NewSelect[string]().
							Title("Broker").
							Options(
								huh.NewOption("Kafka", "kafka"),
								huh.NewOption("RabbitMQ", "rabbitmq"),
								huh.NewOption("In-memory (tests only)", "memory"),
							).
							Value(&cfg.Broker.Driver),
						huh.NewInput().
							Title("Broker address").
							Description("Comma-separated Kafka brokers or an AMQP URL").
							Value(&brokerAddr),
					),
				).WithTheme(huh.ThemeDracula())

				if err := form.Run(); err != nil {
					return err
				}
			}

			switch cfg.Broker.Driver {
			case "kafka":
				cfg.Broker.Brokers = splitList(brokerAddr)
			case "rabbitmq":
				cfg.Broker.URL = brokerAddr
			}

			if err := os.MkdirAll(absDir, 0755); err != nil {
				return err
			}
			path := filepath.Join(absDir, config.ConfigFileName)
			if err := os.WriteFile(path, []byte(config.GenerateYAML(cfg)), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}

			fmt.Fprintln(out, styles.FormatSuccess("Created "+path))
			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(out, styles.FormatWarning("The configuration is incomplete:"))
				fmt.Fprintln(out, ui.ListItems(strings.Split(err.Error(), "\n")))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Service name (default: directory name)")
	cmd.Flags().StringVar(&storeDriver, "store", "", "Event store driver: memory, postgres or sqlite")
	cmd.Flags().StringVar(&storeURL, "store-url", "", "Event store connection string or file")
	cmd.Flags().StringVar(&brokerDriver, "broker", "", "Broker driver: memory, kafka or rabbitmq")
	cmd.Flags().StringVar(&brokerAddr, "broker-addr", "", "Kafka brokers (comma-separated) or AMQP URL")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing keel.yaml")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Use flags only, without prompts")

	return cmd
}

func (c *cli) newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, source, err := c.loadConfig()
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				fmt.Fprintln(out, styles.FormatError("Invalid configuration ("+source+"):"))
				fmt.Fprint(out, ui.ListItems(strings.Split(err.Error(), "\n")))
				return fmt.Errorf("configuration is invalid")
			}

			fmt.Fprintln(out, styles.FormatSuccess("Configuration is valid ("+source+")"))
			return nil
		},
	}
}

func (c *cli) newConfigShowCommand() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the file and KEEL_* variables
have been applied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			cfg, source, err := c.loadConfig()
			if err != nil {
				return err
			}

			if asYAML {
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			fmt.Fprintln(out, styles.Title.Render("Configuration"))
			fmt.Fprint(out, ui.KeyValues(
				"Source", source,
				"Service", cfg.Service,
				"Event store", cfg.EventStore.Driver,
				"Broker", cfg.Broker.Driver,
				"Subscription type", cfg.SubscriptionType,
				"Messages per tick", strconv.Itoa(cfg.MessagesPerTick),
				"Tick interval", cfg.TickInterval.String(),
				"Blocking timeout (ms)", strconv.Itoa(cfg.BlockingTimeoutMS),
				"Max retries", strconv.Itoa(cfg.MaxRetries),
				"Retry delay (s)", strconv.Itoa(cfg.RetryDelaySeconds),
				"Dead letter queue", strconv.FormatBool(cfg.EnableDLQ),
				"Position update interval", strconv.Itoa(cfg.PositionUpdateInterval),
				"Snapshot threshold", strconv.Itoa(cfg.SnapshotThreshold),
				"Outbox", strconv.FormatBool(cfg.EnableOutbox),
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print as YAML")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
