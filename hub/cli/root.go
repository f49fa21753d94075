// Package cli implements the entitle-hub command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "hub-config.json"

// NewRootCmd creates the root cobra command for entitle-hub.
// Invoked without a subcommand it behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "entitle-hub",
		Short: "Entitle hub: subscription entitlements and credit metering",
		Long: "Entitle hub receives signed subscription webhooks, keeps one entitlement per user " +
			"and meters credit spends against the user's monthly allotment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTiersCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newShowCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "entitle-hub", version)
		},
	}
}

// resolveConfigPath returns the positional argument, then --config, then
// defaultPath.
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}
