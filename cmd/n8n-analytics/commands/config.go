package commands

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change runtime settings",
		Long: `Read and change the runtime settings stored in the database.

Every change is validated against the setting's type and constraints and
recorded in the audit log together with the --as identity.`,
	}

	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigListCommand())
	cmd.AddCommand(newConfigResetCommand())
	cmd.AddCommand(newConfigHistoryCommand())
	cmd.AddCommand(newConfigExportCommand())
	cmd.AddCommand(newConfigImportCommand())

	return cmd
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			value, err := a.svc.GetConfig(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "set <key> <value> [<key> <value>...]",
		Short: "Change one or more settings",
		Long: `Change settings. With several pairs each one is applied on its own and the
rejected keys are reported.`,
		Example: `  n8n-analytics config set sync.interval_minutes 30 --reason "less load"`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected key/value pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 2 {
				if err := a.svc.SetConfig(ctx, a.user(), args[0], args[1], auditMeta(reason)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s updated\n", args[0])
				return nil
			}

			values := make(map[string]string, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				values[args[i]] = args[i+1]
			}
			failed := a.svc.SetConfigValues(ctx, a.user(), values, auditMeta(reason))
			return reportFailures(cmd.OutOrStdout(), len(values), failed)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")

	return cmd
}

func newConfigListCommand() *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List settings by category; secrets are masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			categories, err := a.svc.ConfigCategories(ctx)
			if err != nil {
				return err
			}
			if category != "" {
				filtered := categories[:0]
				for _, c := range categories {
					if c.Name == category {
						filtered = append(filtered, c)
					}
				}
				categories = filtered
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, categories)
			}

			var rows [][]interface{}
			for _, c := range categories {
				for _, item := range c.Items {
					rows = append(rows, []interface{}{c.Name, item.Key, item.Value, item.DefaultValue, item.Description})
				}
			}
			return table(out, "CATEGORY\tKEY\tVALUE\tDEFAULT\tDESCRIPTION", rows)
		},
	}

	cmd.Flags().StringVar(&category, "category", "", "only show one category")

	return cmd
}

func newConfigResetCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore every setting to its default",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if reason == "" {
				reason = "reset to defaults"
			}
			changed, err := a.svc.ResetConfig(ctx, a.user(), reason)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, changed)
			}
			if len(changed) == 0 {
				fmt.Fprintln(out, "All settings already at their defaults")
				return nil
			}
			for _, key := range changed {
				fmt.Fprintf(out, "✓ %s reset\n", key)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")

	return cmd
}

func newConfigHistoryCommand() *cobra.Command {
	var (
		key   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the config audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.svc.ConfigHistory(ctx, stores.AuditFilter{Key: key, Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, entries)
			}

			rows := make([][]interface{}, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []interface{}{
					formatTime(&e.Timestamp), e.ConfigKey, deref(e.OldValue), e.NewValue, e.ChangedBy, deref(e.ChangeReason),
				})
			}
			return table(out, "TIME\tKEY\tOLD\tNEW\tBY\tREASON", rows)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "only show one key")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}

func newConfigExportCommand() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write non-secret settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if outFile == "" || outFile == "-" {
				return a.config.Export(ctx, cmd.OutOrStdout())
			}

			f, err := os.Create(outFile)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outFile, err)
			}
			if err := a.config.Export(ctx, f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported settings to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default: stdout)")

	return cmd
}

func newConfigImportCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Apply settings from a YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			meta := auditMeta(reason)
			meta.ChangedBy = a.user().Actor()
			failed, err := a.config.Import(ctx, f, meta)
			if err != nil {
				return err
			}
			return reportFailures(cmd.OutOrStdout(), -1, failed)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log (default: import)")

	return cmd
}

// reportFailures prints rejected keys in order and returns an error if any
// were rejected. total < 0 omits the success count.
func reportFailures(out io.Writer, total int, failed map[string]error) error {
	if len(failed) == 0 {
		if total >= 0 {
			fmt.Fprintf(out, "✓ %d settings updated\n", total)
		} else {
			fmt.Fprintln(out, "✓ Settings applied")
		}
		return nil
	}

	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "✗ %s: %v\n", k, failed[k])
	}
	return fmt.Errorf("%d of the settings were rejected", len(failed))
}
