package commands

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/sym"
)

var jobStatuses = []pipeline.JobStatus{
	pipeline.JobStatusPending,
	pipeline.JobStatusRunning,
	pipeline.JobStatusRetrying,
	pipeline.JobStatusCompleted,
	pipeline.JobStatusFailed,
	pipeline.JobStatusCancelled,
}

func parseJobStatus(s string) (pipeline.JobStatus, error) {
	if s == "" {
		return "", nil
	}
	for _, status := range jobStatuses {
		if string(status) == s {
			return status, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown job status %q", s)
}

// JobsCmd groups job inspection commands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Short("jobs"),
	Long: sym.TX + ` Inspect and cancel pipeline jobs.

Examples:
  ytrag jobs ls                       # Most recent jobs
  ytrag jobs ls --status failed       # Only failed jobs
  ytrag jobs status <job-id>          # Stage progress and result
  ytrag jobs cancel <job-id>          # Cancel a pending or running job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		statusFlag, _ := flags.GetString("status")
		typeFlag, _ := flags.GetString("type")

		filter := pipeline.JobFilter{}
		filter.Limit, _ = flags.GetInt("limit")
		filter.VideoID, _ = flags.GetString("video")
		filter.UserID, _ = flags.GetString("user")

		var err error
		if filter.Status, err = parseJobStatus(statusFlag); err != nil {
			return err
		}
		if typeFlag != "" {
			if filter.Type, err = pipeline.ParseJobType(typeFlag); err != nil {
				return err
			}
		}

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.orchestrator.ListJobs(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Printf("%s No jobs found\n", sym.TX)
			return nil
		}

		data := pterm.TableData{{"JOB ID", "TYPE", "STATUS", "STAGE", "PROGRESS", "RETRIES", "CREATED"}}
		for _, j := range jobs {
			data = append(data, []string{
				j.ID,
				string(j.Type),
				colorStatus(j.Status),
				string(j.CurrentStage),
				fmt.Sprintf("%.0f%%", j.Progress),
				fmt.Sprintf("%d/%d", j.RetryCount, j.MaxRetries),
				j.CreatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		fmt.Printf("\nTotal: %d job(s)\n", len(jobs))
		return nil
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show stage progress and outcome of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.orchestrator.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON {
			out, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		printJob(job)
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job that has not finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orchestrator.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Job %s cancelled\n", sym.TX, args[0])
		return nil
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status (pending, running, retrying, completed, failed, cancelled)")
	jobsLsCmd.Flags().String("type", "", "Filter by job type")
	jobsLsCmd.Flags().String("video", "", "Filter by video id")
	jobsLsCmd.Flags().String("user", "", "Filter by user id")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to display")
	jobsStatusCmd.Flags().Bool("json", false, "Output the job as JSON")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
}

func colorStatus(s pipeline.JobStatus) string {
	switch s {
	case pipeline.JobStatusCompleted:
		return pterm.Green(s)
	case pipeline.JobStatusFailed:
		return pterm.Red(s)
	case pipeline.JobStatusRetrying:
		return pterm.Yellow(s)
	case pipeline.JobStatusRunning:
		return pterm.LightCyan(s)
	default:
		return string(s)
	}
}

func printJob(j *pipeline.Job) {
	pterm.Printf("%s Job %s\n", sym.TX, pterm.LightCyan(j.ID))
	fmt.Printf("  Type:     %s\n", j.Type)
	fmt.Printf("  Status:   %s\n", colorStatus(j.Status))
	fmt.Printf("  Video:    %s (%s)\n", j.VideoID, j.Metadata.SourceURL)
	if j.Metadata.Title != "" {
		fmt.Printf("  Title:    %s\n", j.Metadata.Title)
	}
	fmt.Printf("  Priority: %s\n", j.Priority)
	fmt.Printf("  Retries:  %d of %d\n", j.RetryCount, j.MaxRetries)
	fmt.Printf("\nProgress: %.1f%%", j.Progress)
	if j.CurrentStage != "" {
		fmt.Printf(" (stage %s)", j.CurrentStage)
	}
	fmt.Println()

	stages := make([]string, 0, len(j.StageProgress))
	for stage := range j.StageProgress {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	for _, stage := range stages {
		fmt.Printf("  %-17s %5.1f%%\n", stage, j.StageProgress[pipeline.Stage(stage)])
	}

	if j.ErrorMessage != "" {
		fmt.Printf("\nError: %s\n", pterm.Red(j.ErrorMessage))
		if f := j.Metadata.Failure; f != nil {
			fmt.Printf("  Class: %s (retryable: %v)\n", f.Code, f.Retryable)
		}
	}
	if r := j.Metadata.Result; r != nil {
		fmt.Printf("\nResult: %d segments, %d embeddings, language %s\n", r.SegmentCount, r.EmbeddingCount, r.Language)
		for _, w := range r.Warnings {
			fmt.Printf("  warning: %s\n", pterm.Yellow(w))
		}
	}

	fmt.Printf("\nCreated:   %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.StartedAt != nil {
		fmt.Printf("Started:   %s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", j.CompletedAt.Local().Format(time.DateTime))
	}
	if j.FailedAt != nil {
		fmt.Printf("Failed:    %s\n", j.FailedAt.Local().Format(time.DateTime))
	}
}
