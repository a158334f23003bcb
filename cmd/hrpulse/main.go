package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/hrpulse/cmd/hrpulse/commands"
	"github.com/teranos/hrpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "hrpulse",
	Short: "hrpulse - HR lifecycle automation",
	Long: `hrpulse - HR lifecycle automation.

Turns candidate stage changes and the passage of time into stage emails,
follow-up reminders, recruiter escalations, employee records and draft
offers, executed at most once on a durable job queue.

Available commands:
  am      - Show and initialize configuration
  db      - Migrate and inspect the database
  pulse   - Run the job daemon (workers + recurring sweeps)
  stage   - Move a candidate to a pipeline stage
  action  - List, skip and cancel queued actions
  sweep   - Run one sweep pass immediately
  mail    - Record inbound replies

Examples:
  hrpulse am init                       # Write a default am.toml
  hrpulse pulse start --workers 4       # Start the daemon
  hrpulse stage move cand-1 OFFER_SENT  # Schedule the stage email
  hrpulse action ls --status PENDING    # Inspect pending actions`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
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

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.StageCmd)
	rootCmd.AddCommand(commands.ActionCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.MailCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
