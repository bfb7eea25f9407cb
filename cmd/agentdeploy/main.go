package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/agentdeploy/cmd/agentdeploy/commands"
	"github.com/teranos/agentdeploy/logger"
)

var rootCmd = &cobra.Command{
	Use:   "agentdeploy",
	Short: "agentdeploy - asynchronous agent deployment engine",
	Long: `agentdeploy - asynchronous deployment orchestration for agents.

Submitted deployments run through validating, config saving, building,
deploying and verifying in the background. Callers poll, stream snapshots
over WebSocket or SSE, read logs and cancel jobs.

Available commands:
  server  - Run the HTTP API, change feed and an embedded scheduler
  worker  - Run a scheduler only, sharing the job database
  jobs    - Submit, inspect, cancel and watch deployments
  config  - Show the effective configuration
  db      - Manage the job database
  version - Show build information

Examples:
  agentdeploy server -v                                  # API + scheduler, info logs
  agentdeploy jobs submit --agent a1 --file deploy.yaml  # Queue a deployment
  agentdeploy jobs watch <job-id>                        # Follow progress
  agentdeploy config show                                # Effective config as TOML`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Print command output as JSON")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigFile, "config", "", "Config file (default: search agentdeploy.toml, ~/.agentdeploy, /etc/agentdeploy)")

	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
