package pipeline

import (
	"context"
	"time"

	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/transcript"
)

// ProgressFunc receives a fraction in [0,1] from a long-running collaborator.
type ProgressFunc func(fraction float64)

// VideoDownloader fetches a video to local disk.
type VideoDownloader interface {
	Download(ctx context.Context, externalID, destDir string, onProgress ProgressFunc) (string, error)
}

// AudioExtractor turns a video file into a speech-ready audio file.
type AudioExtractor interface {
	Extract(ctx context.Context, videoPath, destDir string) (audioPath string, durationSeconds float64, err error)
}

// TranscriptionEngine converts audio into raw time-coded segments.
type TranscriptionEngine interface {
	IsAvailable(ctx context.Context) bool
	Transcribe(ctx context.Context, audioPath, language, quality string) ([]transcript.RawSegment, string, error)
}

// Embedder turns segment texts into vectors.
type Embedder interface {
	Model() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VideoInfo is what a metadata lookup knows about a video before download.
type VideoInfo struct {
	Title           string
	Author          string
	DurationSeconds float64
	ThumbnailURL    string
}

// MetadataFetcher looks up a video by URL.
type MetadataFetcher interface {
	Fetch(ctx context.Context, url string) (VideoInfo, error)
}

// NotificationSink tells users what happened to their jobs. Implementations
// are called best-effort: errors and panics never reach the pipeline.
type NotificationSink interface {
	NotifyProgress(ctx context.Context, job *Job) error
	NotifyCompleted(ctx context.Context, job *Job) error
	NotifyFailed(ctx context.Context, job *Job, reason string) error
}

// WorkQueue accepts stage work. *async.Queue satisfies it.
type WorkQueue interface {
	Enqueue(ctx context.Context, task *async.Task) error
	Schedule(ctx context.Context, task *async.Task, delay time.Duration) error
	Delete(ctx context.Context, jobID string) (int, error)
}
