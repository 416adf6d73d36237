package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/sym"
)

// PulseCmd groups the daemon commands.
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: sym.Short("pulse"),
	Long: sym.Pulse + ` Pulse daemon - stage workers and maintenance.

The daemon:
- runs ingest stages from the work queue on a worker pool
- requeues work left running by a crashed process
- runs the maintenance sweeps on their cron schedules
- reloads the log level when the config file changes

Examples:
  ytrag pulse start              # Start daemon in foreground
  ytrag pulse start --workers 3  # Start with 3 concurrent workers
  ytrag pulse stats              # Queue, job and memory statistics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon in the foreground.
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Pulse daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		noSweeps, _ := cmd.Flags().GetBool("no-sweeps")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		poolCfg := async.PoolConfigFromAM(a.cfg.Pulse)
		if workers > 0 {
			poolCfg.Workers = workers
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		pool := async.NewWorkerPoolWithRegistry(ctx, a.queue, poolCfg, logger.Logger, a.registry)
		pool.Start()

		if !noSweeps {
			if err := a.sweeper.Start(); err != nil {
				pool.Stop()
				return err
			}
		}

		watcher := startConfigWatcher()

		verbosity, _ := cmd.Flags().GetCount("verbose")
		printStartupBanner(bannerInfo{
			verbosity: verbosity,
			dbPath:    a.cfg.Database.Path,
			workDir:   a.workDir,
			pool:      poolCfg,
			handlers:  a.registry.Names(),
			sweeps:    !noSweeps,
			embedding: a.embedding,
		})

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Shutting down...\n", sym.PulseClose)

		// Reverse order of startup
		if watcher != nil {
			_ = watcher.Stop()
		}
		a.sweeper.Stop()
		pool.Stop()
		cancel()

		fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
		return nil
	},
}

// startConfigWatcher watches the highest precedence config file and applies
// log level changes. Returns nil when there is no file to watch.
func startConfigWatcher() *am.ConfigWatcher {
	files := am.LoadedFiles()
	if len(files) == 0 {
		return nil
	}
	path := files[len(files)-1]

	watcher, err := am.NewConfigWatcher(path)
	if err != nil {
		logger.Warnw("Config watcher disabled", logger.FieldFile, path, logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		return logger.SetLevel(cfg.Log.Level)
	})
	watcher.Start()
	am.SetGlobalWatcher(watcher)
	return watcher
}

// PulseStatsCmd prints queue, job and memory statistics.
var PulseStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue, job and memory statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		queueStats, err := a.queue.GetStats(ctx)
		if err != nil {
			return err
		}
		jobCounts, err := a.orchestrator.Store().CountByStatus(ctx)
		if err != nil {
			return err
		}
		pending, err := a.deadLetters.Store().CountPending(ctx)
		if err != nil {
			return err
		}
		usedGB, totalGB, memErr := async.ReadMemory()

		if asJSON {
			out, err := json.MarshalIndent(map[string]interface{}{
				"work_items":          queueStats,
				"jobs":                jobCounts,
				"dead_letter_pending": pending,
				"memory_used_gb":      usedGB,
				"memory_total_gb":     totalGB,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		pterm.DefaultSection.Println(sym.Pulse + " Work items")
		_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
			{"QUEUED", "RUNNING", "COMPLETED", "FAILED", "CANCELLED", "TOTAL"},
			{
				fmt.Sprint(queueStats.Queued), fmt.Sprint(queueStats.Running),
				fmt.Sprint(queueStats.Completed), fmt.Sprint(queueStats.Failed),
				fmt.Sprint(queueStats.Cancelled), fmt.Sprint(queueStats.Total),
			},
		}).Render()

		pterm.DefaultSection.Println(sym.TX + " Jobs")
		data := pterm.TableData{{"STATUS", "COUNT"}}
		for _, status := range jobStatuses {
			data = append(data, []string{string(status), fmt.Sprint(jobCounts[status])})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()

		pterm.Printf("%s Dead letters awaiting requeue: %d\n", sym.DL, pending)
		if memErr == nil {
			pterm.Printf("Memory: %.1f / %.1f GB\n", usedGB, totalGB)
		}
		return nil
	},
}

func init() {
	PulseStartCmd.Flags().Int("workers", 0, "Number of concurrent workers (default from pulse.workers)")
	PulseStartCmd.Flags().Bool("no-sweeps", false, "Do not schedule maintenance sweeps")
	PulseStatsCmd.Flags().Bool("json", false, "Output as JSON")

	PulseCmd.AddCommand(PulseStartCmd)
	PulseCmd.AddCommand(PulseStatsCmd)
}
