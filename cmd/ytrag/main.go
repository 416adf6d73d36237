package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/cmd/ytrag/commands"
	"github.com/gustavoali/ytrag/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ytrag",
	Short: "ytrag - video ingest and time-coded transcript pipeline",
	Long: `ytrag - video ingest and time-coded transcript pipeline.

ytrag downloads videos, extracts audio, transcribes it and stores
time-coded transcript segments ready for retrieval.

Available commands:
  am      - Show, check and persist configuration
  ingest  - Submit a video for transcription
  jobs    - Inspect and cancel pipeline jobs
  dlq     - Inspect and requeue dead-lettered jobs
  sweep   - Run maintenance sweeps once
  pulse   - Run stage workers and scheduled sweeps
  db      - Database migrations

Examples:
  ytrag pulse start                          # Process jobs until Ctrl+C
  ytrag ingest https://youtu.be/dQw4w9WgXcQ  # Submit a video
  ytrag jobs ls --status failed              # List failed jobs
  ytrag dlq requeue <id>                     # Retry a dead-lettered job`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

// setupLogging applies --config and initializes the global logger from the
// [log] section. -v flags and --json-log override the file settings.
func setupLogging(cmd *cobra.Command) error {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		am.UseFile(path)
	}

	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}
	if jsonLog, _ := cmd.Flags().GetBool("json-log"); jsonLog {
		logCfg.Format = "json"
	}
	verbosity, _ := cmd.Flags().GetCount("verbose")
	if verbosity > 0 {
		logCfg.Level = logger.VerbosityToLevel(verbosity).String()
	}

	if err := logger.InitializeWithConfig(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-log", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("config", "", "Read configuration from this file only")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.DlqCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.SweepCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
