package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teranos/pulsecron/am"
	"github.com/teranos/pulsecron/cmd/pulsecron/commands"
	"github.com/teranos/pulsecron/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pulsecron",
	Short: "pulsecron - distributed cron and one-time job scheduler",
	Long: `pulsecron - distributed cron and one-time job scheduler.

Jobs are stored in SQLite or PostgreSQL and claimed atomically, so several
instances can share one database. Recurring jobs follow 6-field cron
expressions with a leading seconds field; one-time jobs run once at a given
time.

Available commands:
  start   - Run the scheduler, stale recovery and admin API
  jobs    - Inspect and manage jobs
  health  - Check scheduler health
  am      - Manage configuration ("I am")
  version - Show version information

Examples:
  pulsecron start                 # Run in the foreground
  pulsecron jobs ls               # List jobs
  pulsecron jobs trigger cleanup  # Run a job now
  pulsecron am show               # Show current configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real environment variables win
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			if err := am.UseConfigFile(configPath); err != nil {
				return err
			}
		}

		// Skip for commands whose output is machine-readable
		if cmd.Name() == "show" || cmd.Name() == "get" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		var err error
		if verbosity == 0 && os.Getenv(logger.LevelEnvVar) != "" {
			err = logger.Initialize(jsonLogs)
		} else {
			err = logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity))
		}
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")
	rootCmd.PersistentFlags().String("config", "", "Read configuration from this TOML file")

	rootCmd.AddCommand(commands.StartCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.HealthCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
