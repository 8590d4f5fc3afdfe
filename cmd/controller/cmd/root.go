// Package cmd provides the CLI commands for the maintenance controller.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/softcane/maintenance-controller/internal/config"
)

var (
	// Global flags
	dryRun      bool
	verbose     bool
	cfgFile     string
	clusterName string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "maintenance-controller",
	Short: "Cluster maintenance-mode controller",
	Long: `maintenance-controller decides when a partitioned storage cluster must
stop rebalancing. It enters maintenance automatically when too many instances
are offline or overloaded, and lets operators pin or lift maintenance by hand.

Operator maintenance always wins over the automatic verdict.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false,
		"Shadow mode: evaluate and log decisions without writing the maintenance signal or history")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config/default.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&clusterName, "cluster", "",
		"Override cluster.name from the configuration file")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if dryRun {
		slog.Info(
			"dry-run mode enabled",
			"action", "maintenance signal and history writes are logged, not applied",
		)
	}

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}

// loadConfig reads the configuration file and applies the --cluster override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if clusterName != "" {
		cfg.Cluster.Name = clusterName
	}
	return cfg, nil
}
