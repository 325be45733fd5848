package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/vault"
)

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the data directory, master key and database",
		Long: `Initialize a new n8n-analytics installation.

init creates the data directory, writes a config file if none exists,
generates the credential master key (unless N8N_ANALYTICS_MASTER_KEY is set),
runs the database migrations and seeds the default runtime settings.
It is safe to run again.`,
		Example: `  # Initialize in ~/.n8n-analytics
  n8n-analytics init

  # Initialize with a custom data directory
  n8n-analytics init --data-dir /var/lib/n8n-analytics --config /etc/n8n-analytics/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			path := resolvedConfigPath()

			if dataDir != "" {
				if err := os.Setenv(config.EnvPrefix+"_DATA_DIR", dataDir); err != nil {
					return err
				}
			}

			settings, err := config.Load(path)
			if err != nil {
				return err
			}

			log.Info().
				Str("config", path).
				Str("data_dir", settings.DataDir).
				Msg("Initializing installation")

			if err := os.MkdirAll(settings.DataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", settings.DataDir, err)
			}
			fmt.Fprintf(out, "✓ Data directory: %s\n", settings.DataDir)

			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := settings.WriteFile(path); err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			} else {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", path)
			}

			if err := ensureMasterKey(settings); err != nil {
				return err
			}
			if settings.MasterKey != "" {
				fmt.Fprintf(out, "✓ Master key taken from %s_MASTER_KEY\n", config.EnvPrefix)
			} else {
				fmt.Fprintf(out, "✓ Master key: %s\n", settings.MasterKeyFile)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(out, "✓ Database ready: %s\n", settings.Database.DSN)

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Connect an n8n instance:\n")
			fmt.Fprintf(out, "     n8n-analytics provider add --name prod --url https://n8n.example.com --api-key <key>\n\n")
			fmt.Fprintf(out, "  2. Start syncing:\n")
			fmt.Fprintf(out, "     n8n-analytics serve\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.n8n-analytics)")

	return cmd
}

// ensureMasterKey writes a new master key file unless a key is already
// available. An existing key file is never replaced.
func ensureMasterKey(settings *config.Settings) error {
	if _, err := settings.ResolveMasterKey(); err == nil {
		return nil
	} else if !errors.Is(err, vault.ErrMissingMasterKey) {
		return err
	}

	if _, err := os.Stat(settings.MasterKeyFile); err == nil {
		return fmt.Errorf("master key file %s exists but is empty", settings.MasterKeyFile)
	}

	key, err := vault.GenerateMasterKey()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(settings.MasterKeyFile), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(settings.MasterKeyFile, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write master key: %w", err)
	}
	return nil
}
