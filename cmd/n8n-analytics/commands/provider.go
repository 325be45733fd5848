package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/engine"
)

// apiKeyEnv lets scripts pass the API key without exposing it in argv.
const apiKeyEnv = "N8N_API_KEY"

func newProviderCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "provider",
		Aliases: []string{"providers"},
		Short:   "Manage connected n8n instances",
	}

	cmd.AddCommand(newProviderAddCommand())
	cmd.AddCommand(newProviderUpdateCommand())
	cmd.AddCommand(newProviderRemoveCommand())
	cmd.AddCommand(newProviderTestCommand())
	cmd.AddCommand(newProviderListCommand())

	return cmd
}

func apiKeyFlag(cmd *cobra.Command, value string) string {
	if cmd.Flags().Changed("api-key") {
		return value
	}
	return os.Getenv(apiKeyEnv)
}

func newProviderAddCommand() *cobra.Command {
	var name, baseURL, apiKey string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an n8n instance",
		Long: `Register an n8n instance. The connection is tested first and nothing is
stored if the test fails. The API key is encrypted before it is saved.`,
		Example: `  N8N_API_KEY=... n8n-analytics provider add --name prod --url https://n8n.example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.svc.RegisterProvider(ctx, a.user(), engine.RegisterInput{
				Name:    name,
				BaseURL: baseURL,
				APIKey:  apiKeyFlag(cmd, apiKey),
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Registered %s (%s) as %s\n", p.Name, p.BaseURL, p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&baseURL, "url", "", "instance base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default: $"+apiKeyEnv+")")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func newProviderUpdateCommand() *cobra.Command {
	var name, baseURL, apiKey string

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a provider's name, URL or API key",
		Long: `Change a provider. A new URL or API key is tested before anything is saved;
when only the URL changes the stored key is tested against it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var patch engine.ProviderPatch
			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("url") {
				patch.BaseURL = &baseURL
			}
			if cmd.Flags().Changed("api-key") {
				patch.APIKey = &apiKey
			}

			p, err := a.svc.UpdateProvider(ctx, a.user(), args[0], patch)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Updated %s (%s)\n", p.Name, p.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new display name")
	cmd.Flags().StringVar(&baseURL, "url", "", "new base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "new API key")

	return cmd
}

func newProviderRemoveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a provider and everything synced from it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.svc.DeleteProvider(ctx, a.user(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed %s\n", args[0])
			return nil
		},
	}

	return cmd
}

func newProviderTestCommand() *cobra.Command {
	var baseURL, apiKey string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test connectivity to an n8n instance without saving anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.TestConnection(ctx, baseURL, apiKeyFlag(cmd, apiKey))
			if err != nil {
				info := engine.Describe(err)
				return fmt.Errorf("connection test failed (%s): %s", info.Kind, info.Message)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), res)
			}
			version := res.Version
			if version == "" {
				version = "unknown"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Connected to %s (version %s)\n", baseURL, version)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "instance base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default: $"+apiKeyEnv+")")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func newProviderListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List providers owned by the current operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			providers, err := a.svc.ListProviders(ctx, a.user())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, providers)
			}

			rows := make([][]interface{}, 0, len(providers))
			for _, p := range providers {
				rows = append(rows, []interface{}{p.ID, p.Name, p.BaseURL, p.Status, formatTime(p.LastSyncedAt)})
			}
			return table(out, "ID\tNAME\tURL\tSTATUS\tLAST SYNC", rows)
		},
	}

	return cmd
}
