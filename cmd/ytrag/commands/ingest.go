package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/sym"
)

// IngestCmd submits a video. Submitting the same video twice while a job is
// active returns the existing job.
var IngestCmd = &cobra.Command{
	Use:   "ingest <url-or-id>",
	Short: sym.Short("ingest"),
	Long: sym.IX + ` Submit a video for processing.

The job is queued; a running "ytrag pulse start" picks it up.

Job types:
  transcription - download, extract audio, transcribe, store segments (default)
  download      - download only
  embedding     - embed the stored segments of an already transcribed video

Examples:
  ytrag ingest https://www.youtube.com/watch?v=dQw4w9WgXcQ
  ytrag ingest dQw4w9WgXcQ --language en --quality small --priority high
  ytrag ingest https://youtu.be/dQw4w9WgXcQ --type embedding`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	IngestCmd.Flags().String("type", "transcription", "Job type: transcription, download, embedding")
	IngestCmd.Flags().String("priority", "normal", "Priority: low, normal, high, critical or 0-3")
	IngestCmd.Flags().String("language", "", "Spoken language (default from pipeline.default_language)")
	IngestCmd.Flags().String("quality", "", "Transcription model (default from pipeline.default_quality)")
	IngestCmd.Flags().String("user", "", "Submitting user, used for notifications")
	IngestCmd.Flags().String("title", "", "Title to store instead of looking it up")
}

func runIngest(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	typeFlag, _ := flags.GetString("type")
	priorityFlag, _ := flags.GetString("priority")

	jobType, err := pipeline.ParseJobType(typeFlag)
	if err != nil {
		return err
	}
	priority, err := pipeline.ParsePriority(priorityFlag)
	if err != nil {
		return err
	}

	req := pipeline.SubmitRequest{URL: args[0], Type: jobType, Priority: priority}
	req.Language, _ = flags.GetString("language")
	req.Quality, _ = flags.GetString("quality")
	req.UserID, _ = flags.GetString("user")
	req.Title, _ = flags.GetString("title")

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	job, created, err := a.orchestrator.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}

	if created {
		pterm.Printf("%s %s job %s queued for video %s\n", sym.IX, job.Type, pterm.LightGreen(job.ID), job.Metadata.ExternalID)
	} else {
		pterm.Printf("%s Video already has an active %s job: %s (%s, %.0f%%)\n",
			sym.IX, job.Type, pterm.Yellow(job.ID), job.Status, job.Progress)
	}
	fmt.Printf("  Source: %s\n", job.Metadata.SourceURL)
	if job.Metadata.Title != "" {
		fmt.Printf("  Title:  %s\n", job.Metadata.Title)
	}
	return nil
}
