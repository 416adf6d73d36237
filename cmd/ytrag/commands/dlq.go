package commands

import (
	"fmt"
	"os/user"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/internal/util"
	"github.com/gustavoali/ytrag/pulse/deadletter"
	"github.com/gustavoali/ytrag/sym"
)

// DlqCmd groups the dead-letter commands.
var DlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: sym.Short("dlq"),
	Long: sym.DL + ` Dead-letter queue.

Failed jobs are moved here by the dead_letter sweep. Nothing leaves the
queue on its own: an operator requeues an entry once the cause is fixed.

Examples:
  ytrag dlq ls                    # Entries awaiting requeue
  ytrag dlq ls --all              # Include requeued entries
  ytrag dlq requeue <id>          # Submit the original request again
  ytrag dlq note <id> "cookie expired, refreshed"
  ytrag dlq sweep                 # Promote failed jobs now`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dlqLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		filter := deadletter.Filter{Limit: limit}
		if !all {
			filter.Requeued = util.Ptr(false)
		}
		entries, err := a.deadLetters.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s Dead-letter queue is empty\n", sym.DL)
			return nil
		}

		data := pterm.TableData{{"ID", "JOB ID", "REASON", "CLASS", "RETRIES", "FAILED", "REQUEUED"}}
		for _, e := range entries {
			class := ""
			if details, err := e.Details(); err == nil {
				class = string(details.Code)
			}
			requeued := ""
			if e.IsRequeued {
				requeued = e.RequeuedJobID
			}
			data = append(data, []string{
				e.ID,
				e.JobID,
				truncate(e.FailureReason, 48),
				class,
				fmt.Sprint(e.AttemptedRetries),
				e.FailedAt.Local().Format("2006-01-02 15:04"),
				requeued,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Submit the original request of an entry again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			by = currentUser()
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.deadLetters.Requeue(cmd.Context(), args[0], by)
		if err != nil {
			return err
		}
		pterm.Printf("%s Requeued as job %s\n", sym.DL, pterm.LightGreen(job.ID))
		return nil
	},
}

var dlqNoteCmd = &cobra.Command{
	Use:   "note <id> <text>",
	Short: "Append an operator note to an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.deadLetters.AddNote(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Note added to %s\n", sym.DL, args[0])
		return nil
	},
}

var dlqSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Move failed jobs into the dead-letter queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.deadLetters.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Promoted %d failed job(s)\n", sym.DL, n)
		return nil
	},
}

func init() {
	dlqLsCmd.Flags().Bool("all", false, "Include entries that were already requeued")
	dlqLsCmd.Flags().Int("limit", 50, "Maximum number of entries to display")
	dlqRequeueCmd.Flags().String("by", "", "Operator name recorded on the entry (default: current user)")

	DlqCmd.AddCommand(dlqLsCmd)
	DlqCmd.AddCommand(dlqRequeueCmd)
	DlqCmd.AddCommand(dlqNoteCmd)
	DlqCmd.AddCommand(dlqSweepCmd)
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "cli"
}

// truncate shortens s to maxLen runes.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
