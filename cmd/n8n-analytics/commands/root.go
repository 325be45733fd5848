package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
)

var (
	// Global flags
	configPath string
	operator   string
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(v, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "n8n-analytics",
		Short: "Workflow observability for n8n instances",
		Long: `n8n-analytics connects to one or more n8n instances, keeps a local copy of
their workflows and executions, and derives execution and AI usage metrics.

Features:
  - Encrypted provider credentials
  - Incremental execution sync with per-provider cursors
  - AI token and cost extraction from execution data
  - Audited runtime configuration
  - Prometheus metrics and OpenTelemetry tracing`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", v, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: <data dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&operator, "as", defaultOperator(), "identity recorded as owner and in the config audit log")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newProviderCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}

// resolvedConfigPath returns --config or the default location.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv(config.EnvPrefix + "_CONFIG"); env != "" {
		return env
	}
	return filepath.Join(config.DefaultDataDir(), "config.yaml")
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "operator"
}
