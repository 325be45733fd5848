package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Backup the SQLite database",
		Long: `Create a consistent copy of the SQLite database with VACUUM INTO.

The copy contains encrypted provider credentials; keep the master key to be
able to use it. PostgreSQL installations should use pg_dump instead.`,
		Example: `  n8n-analytics backup --out analytics-backup.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if outFile == "" {
				outFile = fmt.Sprintf("n8n-analytics-%s.db", time.Now().UTC().Format("20060102-150405"))
			}

			log.Info().Str("out", outFile).Msg("Creating backup")

			if err := a.db.Backup(ctx, outFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "backup output file (default: n8n-analytics-<timestamp>.db)")

	return cmd
}
