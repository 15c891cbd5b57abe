package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/traceship/traceship/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "traceship",
		Short: "traceship - asynchronous telemetry upload pipeline",
		Long: `traceship ships request telemetry to a message broker without ever
blocking the request path.

Records are buffered in a bounded queue and published by a pool of
supervised workers. A watchdog restarts workers that stop making progress,
and shutdown is bounded even when the broker hangs.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newEmitCommand(version))
	rootCmd.AddCommand(newIncidentsCommand())

	return rootCmd
}

// loadConfig loads the configuration named by --config and applies --verbose.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}
