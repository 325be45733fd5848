package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/config"
	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the SQLite database from a backup",
		Long: `Replace the SQLite database with a backup created by the backup command.

WARNING: This replaces all providers, synced data and settings.
Stop any running serve process first.

The restore process:
  - Checks the backup's integrity
  - Moves the current database aside (<db>.pre-restore)
  - Copies the backup into place`,
		Example: `  n8n-analytics restore --from analytics-backup.db --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := config.Load(resolvedConfigPath())
			if err != nil {
				return err
			}

			current, err := stores.NewSQLStore(stores.Config{DSN: settings.Database.DSN})
			if err != nil {
				return err
			}
			if current.Dialect() != stores.DialectSQLite {
				return fmt.Errorf("restore is only supported for sqlite, use pg_restore for %s", current.Dialect())
			}
			target := current.Path()
			if target == "" {
				return fmt.Errorf("cannot restore into an in-memory database")
			}

			if !force {
				return fmt.Errorf("restore replaces %s; re-run with --force to continue", target)
			}

			log.Info().
				Str("from", backupFile).
				Str("to", target).
				Msg("Restoring from backup")

			if err := verifyBackup(ctx, backupFile); err != nil {
				return err
			}

			if _, err := os.Stat(target); err == nil {
				aside := target + ".pre-restore"
				if err := os.Rename(target, aside); err != nil {
					return fmt.Errorf("failed to move current database aside: %w", err)
				}
				// WAL files belong to the old database.
				for _, suffix := range []string{"-wal", "-shm"} {
					if err := os.Remove(target + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Previous database kept at %s\n", aside)
			}

			if err := copyFile(backupFile, target); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Restored %s from %s\n", target, backupFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().BoolVar(&force, "force", false, "confirm replacing the current database")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func verifyBackup(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not readable: %w", err)
	}

	backup, err := stores.NewSQLStore(stores.Config{DSN: path})
	if err != nil {
		return err
	}
	if err := backup.Init(ctx); err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer backup.Close()

	if err := backup.IntegrityCheck(ctx); err != nil {
		return fmt.Errorf("backup is damaged: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy backup: %w", err)
	}
	return out.Close()
}
