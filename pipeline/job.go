// Package pipeline turns a submitted video into a stored, time-coded
// transcript. The Orchestrator owns the job state machine; stage processors
// run on the pulse/async worker pool and chain to each other by enqueueing
// the next stage when they succeed.
package pipeline

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pulse/async"
)

// JobType selects the stage plan of a job.
type JobType string

const (
	JobTypeDownload      JobType = "download"
	JobTypeTranscription JobType = "transcription"
	JobTypeEmbedding     JobType = "embedding"
)

// ParseJobType accepts the job type names used on the command line.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(strings.ToLower(strings.TrimSpace(s))); t {
	case JobTypeDownload, JobTypeTranscription, JobTypeEmbedding:
		return t, nil
	case "":
		return JobTypeTranscription, nil
	default:
		return "", errors.NewInvalidRequestError("unknown job type %q", s)
	}
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusRetrying  JobStatus = "retrying"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// validTransitions lists every allowed status change. Anything else is rejected.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:  {JobStatusRetrying, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusRetrying: {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransitionTo reports whether s → to is allowed.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// activeStatuses are the statuses covered by the one-active-job-per-(video,type) index.
var activeStatuses = []JobStatus{JobStatusPending, JobStatusRunning, JobStatusRetrying}

// Stage is one unit of pipeline work.
type Stage string

const (
	StageDownload        Stage = "download"
	StageAudioExtraction Stage = "audio_extraction"
	StageTranscription   Stage = "transcription"
	StageSegmentation    Stage = "segmentation"
	// StagePersistence has no handler of its own; segmentation reports it
	// while writing segments.
	StagePersistence Stage = "persistence"
	StageEmbedding   Stage = "embedding"
)

// HandlerName is the work-queue handler that runs the stage.
func (s Stage) HandlerName() string {
	return "ingest." + string(s)
}

var stagePlans = map[JobType][]Stage{
	JobTypeTranscription: {StageDownload, StageAudioExtraction, StageTranscription, StageSegmentation},
	JobTypeDownload:      {StageDownload},
	JobTypeEmbedding:     {StageEmbedding},
}

// StagePlan returns the stages run for a job type, in order.
func StagePlan(t JobType) []Stage {
	return stagePlans[t]
}

// NextStage returns the stage after current in the plan of t, or "" when
// current is the last one.
func NextStage(t JobType, current Stage) Stage {
	plan := stagePlans[t]
	for i, s := range plan {
		if s == current && i+1 < len(plan) {
			return plan[i+1]
		}
	}
	return ""
}

// Priority orders queued work. Higher runs first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// ParsePriority accepts names (low, normal, high, critical) or 0-3.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "1":
		return PriorityNormal, nil
	case "low", "0":
		return PriorityLow, nil
	case "high", "2":
		return PriorityHigh, nil
	case "critical", "3":
		return PriorityCritical, nil
	default:
		return PriorityNormal, errors.NewInvalidRequestError("unknown priority %q", s)
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// StageProgress maps a stage to its completion percentage (0-100).
type StageProgress map[Stage]float64

// Strings converts the map for the progress accountant.
func (p StageProgress) Strings() map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[string(k)] = v
	}
	return out
}

// Clone returns a copy that can be modified without touching p.
func (p StageProgress) Clone() StageProgress {
	out := make(StageProgress, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// MetadataVersion is the current JobMetadata layout.
const MetadataVersion = 1

// JobMetadata is the structured, versioned record stored in jobs.metadata.
type JobMetadata struct {
	Version          int                 `json:"version"`
	SourceURL        string              `json:"source_url,omitempty"`
	ExternalID       string              `json:"external_id,omitempty"`
	Title            string              `json:"title,omitempty"`
	Language         string              `json:"language,omitempty"`
	Quality          string              `json:"quality,omitempty"`
	VideoPath        string              `json:"video_path,omitempty"`
	AudioPath        string              `json:"audio_path,omitempty"`
	RawSegmentsPath  string              `json:"raw_segments_path,omitempty"`
	DurationSeconds  float64             `json:"duration_seconds,omitempty"`
	DetectedLanguage string              `json:"detected_language,omitempty"`
	Result           *JobResult          `json:"result,omitempty"`
	Failure          *async.ErrorContext `json:"failure,omitempty"`
	Submission       *SubmitRequest      `json:"submission,omitempty"`
}

// JobResult summarizes a completed job.
type JobResult struct {
	SegmentCount    int      `json:"segment_count,omitempty"`
	EmbeddingCount  int      `json:"embedding_count,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	Language        string   `json:"language,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	VideoPath       string   `json:"video_path,omitempty"`
}

func marshalMetadata(m JobMetadata) (string, error) {
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job metadata")
	}
	return string(data), nil
}

func unmarshalMetadata(data string) (JobMetadata, error) {
	var m JobMetadata
	if data == "" {
		return JobMetadata{Version: MetadataVersion}, nil
	}
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return m, errors.Wrap(err, "failed to unmarshal job metadata")
	}
	if m.Version > MetadataVersion {
		return m, errors.Newf("job metadata version %d is newer than supported version %d", m.Version, MetadataVersion)
	}
	if m.Version == 0 {
		m.Version = MetadataVersion
	}
	return m, nil
}

// Job is one pipeline run for a video.
type Job struct {
	ID            string        `json:"id"`
	VideoID       string        `json:"video_id"`
	UserID        string        `json:"user_id,omitempty"`
	Type          JobType       `json:"type"`
	Status        JobStatus     `json:"status"`
	CurrentStage  Stage         `json:"current_stage,omitempty"`
	StageProgress StageProgress `json:"stage_progress"`
	Progress      float64       `json:"progress"`
	Priority      Priority      `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Metadata      JobMetadata   `json:"metadata"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// transition moves the job to status `to`, stamping the matching timestamp.
func (j *Job) transition(to JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(to) {
		err := errors.Mark(errors.Newf("job %s cannot move from %s to %s", j.ID, j.Status, to), errors.ErrInvalidTransition)
		return errors.WithDetail(err, "Job ID: "+j.ID)
	}
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted:
		j.CompletedAt = &now
	case JobStatusFailed:
		j.FailedAt = &now
	case JobStatusCancelled:
		j.CompletedAt = &now
	}
	return nil
}

// VideoStatus is what downstream consumers see of a video's processing.
type VideoStatus string

const (
	VideoStatusPending             VideoStatus = "pending"
	VideoStatusDownloading         VideoStatus = "downloading"
	VideoStatusProcessing          VideoStatus = "processing"
	VideoStatusTranscribed         VideoStatus = "transcribed"
	VideoStatusTranscriptionFailed VideoStatus = "transcription_failed"
	VideoStatusDownloadFailed      VideoStatus = "download_failed"
	VideoStatusCancelled           VideoStatus = "cancelled"
)

// Video is a submitted video reference.
type Video struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id,omitempty"`
	ExternalID      string      `json:"external_id"`
	URL             string      `json:"url"`
	Title           string      `json:"title,omitempty"`
	Status          VideoStatus `json:"status"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	Language        string      `json:"language,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// SubmitRequest is what a caller asks the pipeline to do. It is stored in
// the job metadata so a dead-lettered job can be submitted again as-is.
type SubmitRequest struct {
	URL      string   `json:"url"`
	UserID   string   `json:"user_id,omitempty"`
	Type     JobType  `json:"type"`
	Priority Priority `json:"priority"`
	Language string   `json:"language,omitempty"`
	Quality  string   `json:"quality,omitempty"`
	Title    string   `json:"title,omitempty"`
}
