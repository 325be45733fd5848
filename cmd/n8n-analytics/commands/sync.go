package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/engine"
)

func newSyncCommand() *cobra.Command {
	var (
		providerID string
		kind       string
		fullResync bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass now",
		Long: `Run a single manual sync pass and print its result.

Manual passes ignore per-provider failure backoff. --full-resync walks every
execution page instead of stopping at the stored cursor.`,
		Example: `  # Sync everything
  n8n-analytics sync

  # Only workflows of one provider
  n8n-analytics sync --provider 6f1c... --kind workflows`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			req := engine.SyncRequest{
				Scope:   providerID,
				Kind:    engine.SyncKind(kind),
				Mode:    engine.SyncTypeIncremental,
				Trigger: engine.TriggerManual,
			}
			if fullResync {
				req.Mode = engine.SyncTypeFull
			}

			res, err := a.svc.TriggerSync(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printSyncResult(cmd, res)
		},
	}

	cmd.Flags().StringVar(&providerID, "provider", engine.ScopeAll, "provider ID, or \"all\"")
	cmd.Flags().StringVar(&kind, "kind", string(engine.SyncKindFull), "what to sync: workflows, executions or full")
	cmd.Flags().BoolVar(&fullResync, "full-resync", false, "ignore the execution cursor")

	return cmd
}

func printSyncResult(cmd *cobra.Command, res *engine.SyncResult) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}

	fmt.Fprintf(out, "Pass %s (%s, %s) finished in %s: %d providers, %d ok, %d failed\n\n",
		res.PassID, res.Request.Kind, res.Request.Mode, res.Duration().Round(time.Millisecond),
		res.Providers, res.Successful, res.Failed)

	rows := make([][]interface{}, 0, len(res.PerProvider))
	for _, p := range res.PerProvider {
		outcome := "ok"
		switch {
		case p.Skipped:
			outcome = "skipped (backoff)"
		case p.Failed():
			outcome = p.Error
		}

		workflows, executions := "-", "-"
		if p.Workflows != nil {
			workflows = fmt.Sprintf("%d synced, %d updated, %d archived",
				p.Workflows.Synced, p.Workflows.Updated, p.Workflows.Archived)
		}
		if p.Executions != nil {
			executions = fmt.Sprintf("%d new, %d updated, %d unchanged",
				p.Executions.Inserted, p.Executions.Updated, p.Executions.Unchanged)
		}
		rows = append(rows, []interface{}{p.ProviderName, workflows, executions, outcome})
	}
	return table(out, "PROVIDER\tWORKFLOWS\tEXECUTIONS\tRESULT", rows)
}
