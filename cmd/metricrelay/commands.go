package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360/metricrelay/config"
)

func newRootCommand() *cobra.Command {
	cli := &CLIConfig{}
	run := newRunCommand(cli)

	root := &cobra.Command{
		Use:   appName,
		Short: "Measure, transform and relay metric samples",
		Long: `metricrelay polls metric sources, runs the samples through a transform
pipeline and relays them to a peer over TCP and/or delivers them to local
sinks (time-series database, NATS, archive files, WebSocket clients).

Without a subcommand it behaves like "run".`,
		Example: `  # Run with a layered configuration
  metricrelay --config base.yaml --config site.yaml

  # Run with debug logging
  metricrelay run --log-level=debug --log-format=text

  # Run with environment variables
  export METRICRELAY_CONFIG=/etc/metricrelay/config.yaml
  export METRICRELAY_RELAY_TARGET=collector:7070
  metricrelay

  # Validate configuration only
  metricrelay validate --dump`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.RunE,
	}
	bindFlags(root.PersistentFlags(), cli)

	root.AddCommand(run, newValidateCommand(cli), newVersionCommand(), newSchemaCommand())
	return root
}

// loadConfig merges the configured layers and the environment.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	if err := validateFlags(cli); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRunCommand(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until SIGINT or SIGTERM; SIGHUP reloads the transform configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}

			logger := setupLogger(
				firstNonEmpty(cli.LogLevel, cfg.Log.Level),
				firstNonEmpty(cli.LogFormat, cfg.Log.Format),
				os.Stdout)
			slog.SetDefault(logger)

			logger.Info("Starting metricrelay",
				"version", Version,
				"build_time", BuildTime,
				"config", cli.ConfigPaths,
				"node_id", cfg.NodeID)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			return runServer(ctx, cli, cfg, hup, logger)
		},
	}
}

func newValidateCommand(cli *CLIConfig) *cobra.Command {
	var dump bool
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dump {
				data, err := config.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("render config: %w", err)
				}
				_, err = out.Write(data)
				return err
			}
			_, err = fmt.Fprintf(out, "configuration is valid: node %s, %d sources, %d chains, %d sinks, relay target %q, relay listen %q\n",
				cfg.NodeID, len(cfg.Sources), len(cfg.Transform.Chains), len(cfg.Sinks), cfg.Relay.Target, cfg.Relay.Listen)
			return err
		},
	}
	cmd.Flags().BoolVar(&dump, "dump", false, "Print the effective configuration with defaults applied")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s, %s)\n",
				appName, Version, BuildTime, runtime.Version())
			return err
		},
	}
}

func newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := cmd.OutOrStdout().Write(config.Schema())
			return err
		},
	}
}
