package deadletter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/pulse/async"
)

// sweepBatch bounds how many failed jobs one sweep promotes.
const sweepBatch = 500

// JobSource loads jobs. *pipeline.Orchestrator and *pipeline.Store satisfy it.
type JobSource interface {
	GetJob(ctx context.Context, jobID string) (*pipeline.Job, error)
}

// Resubmitter starts a fresh job from a stored submission.
type Resubmitter interface {
	Resubmit(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.Job, error)
}

// Manager promotes failed jobs and requeues entries.
type Manager struct {
	store       *Store
	jobs        JobSource
	resubmitter Resubmitter
	logger      *zap.SugaredLogger
	timeNow     func() time.Time

	requeueMu sync.Mutex
}

// NewManager creates a dead-letter manager.
func NewManager(store *Store, jobs JobSource, resubmitter Resubmitter, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		store:       store,
		jobs:        jobs,
		resubmitter: resubmitter,
		logger:      log.Named("deadletter"),
		timeNow:     func() time.Time { return time.Now().UTC() },
	}
}

// Store returns the underlying store.
func (m *Manager) Store() *Store {
	return m.store
}

// Sweep promotes every failed job that has no entry yet. Cancelled jobs are
// never promoted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.FailedJobIDs(ctx, sweepBatch)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		job, err := m.jobs.GetJob(ctx, id)
		if err != nil {
			m.logger.Warnw("Failed to load failed job", logger.FieldJobID, id, logger.FieldError, err)
			continue
		}
		if _, err := m.Promote(ctx, job); err != nil {
			if errors.IsConflictError(err) {
				continue
			}
			m.logger.Warnw("Failed to promote job", logger.FieldJobID, id, logger.FieldError, err)
			continue
		}
		promoted++
	}

	if promoted > 0 {
		m.logger.Infow("Dead-letter sweep promoted jobs", logger.FieldCount, promoted)
	}
	return promoted, nil
}

// Promote creates the entry for a failed job.
func (m *Manager) Promote(ctx context.Context, job *pipeline.Job) (*Entry, error) {
	if job.Status != pipeline.JobStatusFailed {
		return nil, errors.NewInvalidRequestError("job %s is %s, only failed jobs are dead-lettered", job.ID, job.Status)
	}

	reason := job.ErrorMessage
	if reason == "" {
		reason = "unknown failure"
	}

	failure := job.Metadata.Failure
	if failure == nil {
		ec := async.ClassifyError(string(job.CurrentStage), errors.New(reason))
		failure = &ec
	}
	details, err := json.Marshal(failure)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode failure details")
	}
	payload, err := json.Marshal(submissionOf(job))
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode payload")
	}

	now := m.timeNow()
	failedAt := now
	if job.FailedAt != nil {
		failedAt = *job.FailedAt
	}

	entry := &Entry{
		ID:               uuid.New().String(),
		JobID:            job.ID,
		FailureReason:    reason,
		FailureDetails:   string(details),
		OriginalPayload:  string(payload),
		FailedAt:         failedAt,
		AttemptedRetries: job.RetryCount,
		CreatedAt:        now,
	}
	if err := m.store.Create(ctx, entry); err != nil {
		return nil, err
	}

	m.logger.Infow("Job dead-lettered",
		logger.FieldJobID, job.ID,
		logger.FieldDeadLetter, entry.ID,
		logger.FieldErrorCode, failure.Code)
	return entry, nil
}

// submissionOf returns what was originally asked for. Jobs created before
// submissions were recorded are rebuilt from their metadata.
func submissionOf(job *pipeline.Job) pipeline.SubmitRequest {
	if job.Metadata.Submission != nil {
		return *job.Metadata.Submission
	}
	url := job.Metadata.SourceURL
	if url == "" && job.Metadata.ExternalID != "" {
		url = pipeline.CanonicalURL(job.Metadata.ExternalID)
	}
	return pipeline.SubmitRequest{
		URL:      url,
		UserID:   job.UserID,
		Type:     job.Type,
		Priority: job.Priority,
		Language: job.Metadata.Language,
		Quality:  job.Metadata.Quality,
	}
}

// Requeue submits a fresh job from the entry's snapshot and records who did
// it. The failed job is left untouched. An entry can be requeued once.
func (m *Manager) Requeue(ctx context.Context, id, by string) (*pipeline.Job, error) {
	if m.resubmitter == nil {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "requeue requires a resubmitter")
	}

	m.requeueMu.Lock()
	defer m.requeueMu.Unlock()

	entry, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.IsRequeued {
		err := errors.NewConflictError("dead letter %s was already requeued as job %s", id, entry.RequeuedJobID)
		return nil, errors.WithHint(err, "submit the video again to start another run")
	}
	req, err := entry.Payload()
	if err != nil {
		return nil, err
	}

	job, err := m.resubmitter.Resubmit(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to requeue dead letter %s", id)
	}
	if err := m.store.MarkRequeued(ctx, id, by, job.ID, m.timeNow()); err != nil {
		return nil, err
	}

	m.logger.Infow("Dead letter requeued",
		logger.FieldDeadLetter, id,
		logger.FieldJobID, job.ID,
		"original_job_id", entry.JobID,
		"requeued_by", by)
	return job, nil
}

// Get returns an entry by id.
func (m *Manager) Get(ctx context.Context, id string) (*Entry, error) {
	return m.store.Get(ctx, id)
}

// List returns entries matching filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	return m.store.List(ctx, filter)
}

// AddNote appends an operator note to an entry.
func (m *Manager) AddNote(ctx context.Context, id, note string) error {
	if note == "" {
		return errors.NewInvalidRequestError("empty note")
	}
	return m.store.AppendNote(ctx, id, note)
}
