// Package commands implements the schedulerd CLI using cobra, grounded on
// cmd/devclaw/commands.NewRootCmd's structure.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "schedulerd",
		Short: "Adaptive HTTP job scheduler daemon",
		Long: `schedulerd claims due job endpoints, dispatches their HTTP
calls, and re-schedules them adaptively based on AI hints, failure
backoff, and baseline cron/interval cadence.

Examples:
  schedulerd serve --config ./config.yaml
  schedulerd migrate --config ./config.yaml
  schedulerd endpoint list --job <job-id> --user <user-id>`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newJobCmd(),
		newEndpointCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
