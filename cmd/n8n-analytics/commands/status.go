package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show provider health and execution totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.svc.ProviderStatuses(ctx)
			if err != nil {
				return err
			}
			totals, err := a.svc.ExecutionTotals(ctx, stores.ExecutionFilter{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]interface{}{
					"providers": statuses,
					"totals":    totals,
				})
			}

			rows := make([][]interface{}, 0, len(statuses))
			for _, s := range statuses {
				rows = append(rows, []interface{}{
					s.ProviderID, s.Name, s.Status, formatTime(s.LastSyncedAt),
					s.ExecutionCursor, s.Workflows, s.Executions, s.LastError,
				})
			}
			if err := table(out, "ID\tNAME\tSTATUS\tLAST SYNC\tCURSOR\tWORKFLOWS\tEXECUTIONS\tLAST ERROR", rows); err != nil {
				return err
			}

			fmt.Fprintf(out, "\nExecutions: %d total, %d succeeded, %d failed\n",
				totals.Count, totals.Succeeded, totals.Failed)
			fmt.Fprintf(out, "AI usage:   %d tokens (%d in, %d out), $%.4f\n",
				totals.TotalTokens, totals.InputTokens, totals.OutputTokens, totals.AICost)
			return nil
		},
	}

	return cmd
}
