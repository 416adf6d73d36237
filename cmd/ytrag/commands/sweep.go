package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/pulse/maintenance"
	"github.com/gustavoali/ytrag/sym"
)

// SweepCmd runs maintenance sweeps once, outside the daemon schedule.
var SweepCmd = &cobra.Command{
	Use:   "sweep [name]",
	Short: "Run maintenance sweeps once",
	Long: sym.Pulse + ` Run maintenance sweeps once.

Without a name every sweep runs in order: stuck, dead_letter, orphans,
archive, notifications.

Examples:
  ytrag sweep           # Run all sweeps
  ytrag sweep stuck     # Fail jobs that stopped making progress`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{maintenance.SweepStuck, maintenance.SweepDeadLetter, maintenance.SweepOrphans, maintenance.SweepArchive, maintenance.SweepNotifications},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var results []maintenance.Result
		if len(args) == 1 {
			res, err := a.sweeper.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results = append(results, res)
		} else {
			results = a.sweeper.RunAll(cmd.Context())
		}

		data := pterm.TableData{{"SWEEP", "COUNT", "DURATION", "ERROR"}}
		failed := 0
		for _, r := range results {
			errText := ""
			if r.Err != nil {
				errText = pterm.Red(r.Err.Error())
				failed++
			}
			data = append(data, []string{r.Name, fmt.Sprint(r.Count), r.Duration.Round(time.Millisecond).String(), errText})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d sweep(s) failed", failed)
		}
		return nil
	},
}
