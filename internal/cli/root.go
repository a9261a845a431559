// Package cli wires the archon commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion records the build-time version for the version command.
func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "archon",
	Short: "archon — GitHub issue orchestration pipeline",
	Long: `archon listens for GitHub issue webhooks, classifies each issue with an
LLM, provisions an isolated workspace with repository clones, runs the
implementation CLI against it, and opens a pull request with the result.

Pipeline state lives in Postgres with optimistic locking, so a single
deployment survives restarts and concurrent webhook deliveries.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "archon.yaml", "Path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(versionCmd)
}
