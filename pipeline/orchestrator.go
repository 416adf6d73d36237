package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/pulse/progress"
	"github.com/gustavoali/ytrag/pulse/resilience"
	"github.com/gustavoali/ytrag/transcript"
)

// Config holds the pipeline settings the orchestrator and stages read.
type Config struct {
	WorkDir         string
	AutoEmbed       bool
	DefaultLanguage string
	DefaultQuality  string
	KeepArtifacts   bool
	MaxTextLength   int
	EmbedBatchSize  int

	// HeartbeatInterval is how often a running stage refreshes its job's
	// updated_at. It must stay well below the stuck-sweep threshold.
	HeartbeatInterval time.Duration
}

// ConfigFromAM maps the [pipeline] and [segments] sections.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		WorkDir:         cfg.Pipeline.WorkDir,
		AutoEmbed:       cfg.Pipeline.AutoEmbed,
		DefaultLanguage: cfg.Pipeline.DefaultLanguage,
		DefaultQuality:  cfg.Pipeline.DefaultQuality,
		KeepArtifacts:   cfg.Pipeline.KeepArtifacts,
		MaxTextLength:   cfg.Segments.MaxTextLength,
		EmbedBatchSize:  cfg.Engines.Embed.BatchSize,

		HeartbeatInterval: time.Duration(cfg.Pipeline.HeartbeatSeconds) * time.Second,
	}
}

// Deps are the collaborators of an Orchestrator. Queue, Accountant,
// Policies and Segments are required. A stage whose collaborator is nil
// fails with ErrServiceUnavailable.
type Deps struct {
	Queue      WorkQueue
	Accountant *progress.Accountant
	Policies   *resilience.PolicySet
	Segments   *transcript.Store
	Embeddings *transcript.EmbeddingStore

	Downloader VideoDownloader
	Extractor  AudioExtractor
	Engine     TranscriptionEngine
	Embedder   Embedder
	Metadata   MetadataFetcher
	Notifier   NotificationSink
}

// Orchestrator owns the job state machine. Every status and progress write
// for a job happens under that job's lock.
type Orchestrator struct {
	store *Store
	deps  Deps
	cfg   Config

	logger  *zap.SugaredLogger
	timeNow func() time.Time

	createLocks *keyedMutex // per (video, type)
	jobLocks    *keyedMutex // per job id

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewOrchestrator wires an orchestrator over store.
func NewOrchestrator(store *Store, deps Deps, cfg Config, log *zap.SugaredLogger) (*Orchestrator, error) {
	switch {
	case store == nil:
		return nil, errors.New("orchestrator requires a job store")
	case deps.Queue == nil:
		return nil, errors.New("orchestrator requires a work queue")
	case deps.Accountant == nil:
		return nil, errors.New("orchestrator requires a progress accountant")
	case deps.Policies == nil:
		return nil, errors.New("orchestrator requires resilience policies")
	case deps.Segments == nil:
		return nil, errors.New("orchestrator requires a segment store")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = transcript.DefaultMaxTextLength
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 32
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	return &Orchestrator{
		store:       store,
		deps:        deps,
		cfg:         cfg,
		logger:      log.Named("pipeline"),
		timeNow:     func() time.Time { return time.Now().UTC() },
		createLocks: newKeyedMutex(),
		jobLocks:    newKeyedMutex(),
		cancels:     make(map[string]context.CancelFunc),
	}, nil
}

// Store returns the job store.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Submit resolves the video named by req.URL, creating it on first sight,
// and returns the active job of the requested type. The first stage is
// enqueued only when the job is new, so submitting twice runs the work once.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*Job, bool, error) {
	jobType, err := ParseJobType(string(req.Type))
	if err != nil {
		return nil, false, err
	}
	req.Type = jobType
	if req.Language == "" {
		req.Language = o.cfg.DefaultLanguage
	}
	if req.Quality == "" {
		req.Quality = o.cfg.DefaultQuality
	}

	externalID, err := ParseExternalID(req.URL)
	if err != nil {
		return nil, false, err
	}
	video, err := o.resolveVideo(ctx, externalID, req)
	if err != nil {
		return nil, false, err
	}

	submission := req
	job, created, err := o.getOrCreateJob(ctx, video.ID, jobType, func(j *Job) {
		j.UserID = req.UserID
		j.Priority = req.Priority
		j.Metadata.SourceURL = video.URL
		j.Metadata.ExternalID = video.ExternalID
		j.Metadata.Title = video.Title
		j.Metadata.Language = req.Language
		j.Metadata.Quality = req.Quality
		j.Metadata.Submission = &submission
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		o.logger.Infow("Job already active for video",
			logger.FieldJobID, job.ID,
			logger.FieldVideoID, video.ID,
			logger.FieldStatus, job.Status)
		return job, false, nil
	}

	if err := o.enqueueStage(ctx, job, StagePlan(jobType)[0]); err != nil {
		return nil, true, err
	}
	o.logger.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldVideoID, video.ID,
		logger.FieldJobType, job.Type,
		logger.FieldPriority, job.Priority.String())
	return job, true, nil
}

func (o *Orchestrator) resolveVideo(ctx context.Context, externalID string, req SubmitRequest) (*Video, error) {
	video, err := o.store.GetVideoByExternalID(ctx, externalID)
	if err == nil {
		return video, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}

	now := o.timeNow()
	video = &Video{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		ExternalID: externalID,
		URL:        CanonicalURL(externalID),
		Title:      req.Title,
		Status:     VideoStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if video.Title == "" && o.deps.Metadata != nil {
		o.fillVideoInfo(ctx, video)
	}

	if err := o.store.CreateVideo(ctx, video); err != nil {
		if errors.IsConflictError(err) {
			return o.store.GetVideoByExternalID(ctx, externalID)
		}
		return nil, err
	}
	return video, nil
}

// fillVideoInfo looks the video up before download. A failed lookup only
// costs the title.
func (o *Orchestrator) fillVideoInfo(ctx context.Context, video *Video) {
	info, err := resilience.Call(ctx, o.deps.Policies.For("metadata"), func(ctx context.Context) (VideoInfo, error) {
		return o.deps.Metadata.Fetch(ctx, video.URL)
	})
	if err != nil {
		o.logger.Warnw("Video metadata lookup failed",
			logger.FieldURL, video.URL,
			logger.FieldError, err)
		return
	}
	video.Title = info.Title
	video.DurationSeconds = info.DurationSeconds
}

// GetOrCreateJob returns the active job for (videoID, jobType), creating a
// pending one when there is none. The bool reports whether it was created.
func (o *Orchestrator) GetOrCreateJob(ctx context.Context, videoID string, jobType JobType) (*Job, bool, error) {
	return o.getOrCreateJob(ctx, videoID, jobType, nil)
}

func (o *Orchestrator) getOrCreateJob(ctx context.Context, videoID string, jobType JobType, init func(*Job)) (*Job, bool, error) {
	if len(StagePlan(jobType)) == 0 {
		return nil, false, errors.NewInvalidRequestError("unknown job type %q", jobType)
	}

	unlock := o.createLocks.Lock(videoID + "/" + string(jobType))
	defer unlock()

	job, err := o.store.FindActiveJob(ctx, videoID, jobType)
	if err == nil {
		return job, false, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, false, err
	}

	now := o.timeNow()
	job = &Job{
		ID:            uuid.New().String(),
		VideoID:       videoID,
		Type:          jobType,
		Status:        JobStatusPending,
		StageProgress: StageProgress{},
		Priority:      PriorityNormal,
		MaxRetries:    o.maxRetries(),
		Metadata:      JobMetadata{Version: MetadataVersion},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if init != nil {
		init(job)
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		// Another process won the race; its job is the answer
		if errors.IsConflictError(err) {
			existing, findErr := o.store.FindActiveJob(ctx, videoID, jobType)
			if findErr == nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}
	return job, true, nil
}

func (o *Orchestrator) maxRetries() int {
	if n := o.deps.Policies.MaxAttempts() - 1; n > 0 {
		return n
	}
	return 0
}

func (o *Orchestrator) enqueueStage(ctx context.Context, job *Job, stage Stage) error {
	task, err := async.NewTask(stage.HandlerName(), job.ID, int(job.Priority))
	if err != nil {
		return err
	}
	if err := o.deps.Queue.Enqueue(ctx, task); err != nil {
		return errors.Wrapf(err, "failed to enqueue %s for job %s", stage, job.ID)
	}
	return nil
}

// BeginStage moves the job to running at stage and registers a cancel
// function for it. The returned context is cancelled by Cancel; release
// must be called when the stage returns.
func (o *Orchestrator) BeginStage(ctx context.Context, jobID string, stage Stage) (context.Context, *Job, func(), error) {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	if job.Status == JobStatusCancelled {
		return nil, nil, nil, errors.Mark(errors.Newf("job %s was cancelled", jobID), errors.ErrCancelled)
	}

	expected := job.Status
	now := o.timeNow()
	if job.Status != JobStatusRunning {
		if err := job.transition(JobStatusRunning, now); err != nil {
			return nil, nil, nil, err
		}
	}
	job.CurrentStage = stage
	job.UpdatedAt = now
	if err := o.store.UpdateJob(ctx, job, expected); err != nil {
		return nil, nil, nil, err
	}

	jobCtx, cancel := context.WithCancel(logger.WithJobID(ctx, jobID))
	o.cancelMu.Lock()
	o.cancels[jobID] = cancel
	o.cancelMu.Unlock()

	release := func() {
		o.cancelMu.Lock()
		delete(o.cancels, jobID)
		o.cancelMu.Unlock()
		cancel()
	}
	return jobCtx, job, release, nil
}

// MarkRetrying records a resilience retry: running → retrying and
// retry_count + 1.
func (o *Orchestrator) MarkRetrying(ctx context.Context, jobID string, attempt int, cause error) error {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusRunning {
		return nil
	}
	if err := job.transition(JobStatusRetrying, o.timeNow()); err != nil {
		return err
	}
	job.RetryCount++
	if err := o.store.UpdateJob(ctx, job, JobStatusRunning); err != nil {
		return err
	}
	o.logger.Infow("Job retrying",
		logger.FieldJobID, jobID,
		logger.FieldStage, job.CurrentStage,
		logger.FieldAttempt, attempt,
		logger.FieldError, cause)
	return nil
}

// resumeRunning moves a retrying job back to running before the next attempt.
func (o *Orchestrator) resumeRunning(ctx context.Context, jobID string) error {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusRetrying {
		return nil
	}
	if err := job.transition(JobStatusRunning, o.timeNow()); err != nil {
		return err
	}
	return o.store.UpdateJob(ctx, job, JobStatusRetrying)
}

// Advance records fraction (0-1) of stage and recomputes overall progress.
// Overall progress never decreases: a candidate below the stored value is
// dropped, both here and by the conditional update in the store.
func (o *Orchestrator) Advance(ctx context.Context, jobID string, stage Stage, fraction float64) error {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	stages := job.StageProgress.Clone()
	stages[stage] = progress.ClampProgress(fraction * 100)

	next, accepted := o.deps.Accountant.UpdateProgressMonotonic(string(job.Type), job.Progress, stages.Strings())
	if !accepted {
		return nil
	}
	written, err := o.store.UpdateProgress(ctx, jobID, stages, next)
	if err != nil || !written {
		return err
	}

	// Notify on quarter boundaries only
	if int(next/25) > int(job.Progress/25) {
		job.StageProgress = stages
		job.Progress = next
		o.notify(ctx, "progress", func(sink NotificationSink) error {
			return sink.NotifyProgress(ctx, job)
		})
	}
	return nil
}

// Complete marks the job completed with result as its summary. Stage
// weights that do not add up to 100% are logged, not fatal.
func (o *Orchestrator) Complete(ctx context.Context, jobID string, result *JobResult) error {
	job, err := o.complete(ctx, jobID, result)
	if err != nil {
		return err
	}

	o.notify(ctx, "completed", func(sink NotificationSink) error {
		return sink.NotifyCompleted(ctx, job)
	})
	if job.Type == JobTypeTranscription && o.cfg.AutoEmbed {
		o.chainEmbedding(ctx, job)
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, jobID string, result *JobResult) (*Job, error) {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.transition(JobStatusCompleted, o.timeNow()); err != nil {
		return nil, err
	}

	o.deps.Accountant.ValidateStageProgress(string(job.Type), job.StageProgress.Strings())

	if _, err := o.store.UpdateProgress(ctx, jobID, job.StageProgress, 100); err != nil {
		return nil, err
	}
	job.Progress = 100
	job.Metadata.Result = result
	if err := o.store.UpdateJob(ctx, job, JobStatusRunning); err != nil {
		return nil, err
	}

	o.logger.Infow("Job completed",
		logger.FieldJobID, jobID,
		logger.FieldJobType, job.Type,
		logger.FieldVideoID, job.VideoID)
	return job, nil
}

// chainEmbedding starts the follow-up embedding job for a transcribed video.
func (o *Orchestrator) chainEmbedding(ctx context.Context, done *Job) {
	if o.deps.Embedder == nil || o.deps.Embeddings == nil {
		return
	}
	job, created, err := o.getOrCreateJob(ctx, done.VideoID, JobTypeEmbedding, func(j *Job) {
		j.UserID = done.UserID
		j.Priority = done.Priority
		j.Metadata.SourceURL = done.Metadata.SourceURL
		j.Metadata.ExternalID = done.Metadata.ExternalID
		j.Metadata.Submission = &SubmitRequest{
			URL:      done.Metadata.SourceURL,
			UserID:   done.UserID,
			Type:     JobTypeEmbedding,
			Priority: done.Priority,
		}
	})
	if err == nil && created {
		err = o.enqueueStage(ctx, job, StageEmbedding)
	}
	if err != nil {
		o.logger.Warnw("Failed to chain embedding job",
			logger.FieldJobID, done.ID,
			logger.FieldVideoID, done.VideoID,
			logger.FieldError, err)
	}
}

// Fail marks the job failed with cause. Failing a job that already ended is
// a no-op so a late stage error never overwrites a cancellation.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := o.fail(ctx, jobID, cause)
	if err != nil || job == nil {
		return err
	}

	if status, ok := failedVideoStatus(job); ok {
		if err := o.store.UpdateVideoStatus(ctx, job.VideoID, status, job.ErrorMessage); err != nil {
			o.logger.Warnw("Failed to update video status",
				logger.FieldVideoID, job.VideoID,
				logger.FieldError, err)
		}
	}
	o.notify(ctx, "failed", func(sink NotificationSink) error {
		return sink.NotifyFailed(ctx, job, job.ErrorMessage)
	})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, cause error) (*Job, error) {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, nil
	}

	expected := job.Status
	if err := job.transition(JobStatusFailed, o.timeNow()); err != nil {
		return nil, err
	}
	failure := async.ClassifyError(string(job.CurrentStage), cause)
	job.ErrorMessage = cause.Error()
	job.Metadata.Failure = &failure
	if err := o.store.UpdateJob(ctx, job, expected); err != nil {
		return nil, err
	}

	o.logger.Errorw("Job failed",
		logger.FieldJobID, jobID,
		logger.FieldStage, job.CurrentStage,
		logger.FieldErrorCode, failure.Code,
		logger.FieldError, cause)
	return job, nil
}

func failedVideoStatus(job *Job) (VideoStatus, bool) {
	switch {
	case job.Type == JobTypeEmbedding:
		return "", false
	case job.CurrentStage == StageDownload || job.CurrentStage == "":
		return VideoStatusDownloadFailed, true
	default:
		return VideoStatusTranscriptionFailed, true
	}
}

// Cancel stops a job. The running stage sees its context cancelled and
// queued stage work is removed. Cancelling an ended job is an invalid
// transition.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.cancel(ctx, jobID)
	if err != nil {
		return err
	}

	if n, err := o.deps.Queue.Delete(ctx, jobID); err != nil {
		o.logger.Warnw("Failed to delete queued work for cancelled job",
			logger.FieldJobID, jobID,
			logger.FieldError, err)
	} else if n > 0 {
		o.logger.Debugw("Deleted queued work", logger.FieldJobID, jobID, logger.FieldCount, n)
	}

	if job.Type != JobTypeEmbedding {
		if err := o.store.UpdateVideoStatus(ctx, job.VideoID, VideoStatusCancelled, ""); err != nil {
			o.logger.Warnw("Failed to update video status",
				logger.FieldVideoID, job.VideoID,
				logger.FieldError, err)
		}
	}
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, jobID string) (*Job, error) {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	expected := job.Status
	if err := job.transition(JobStatusCancelled, o.timeNow()); err != nil {
		return nil, err
	}
	if err := o.store.UpdateJob(ctx, job, expected); err != nil {
		return nil, err
	}

	o.cancelMu.Lock()
	if cancel, ok := o.cancels[jobID]; ok {
		cancel()
	}
	o.cancelMu.Unlock()

	o.logger.Infow("Job cancelled", logger.FieldJobID, jobID, logger.FieldStage, job.CurrentStage)
	return job, nil
}

// FailStuckJobs fails running or retrying jobs that have not been updated
// for longer than threshold.
func (o *Orchestrator) FailStuckJobs(ctx context.Context, threshold time.Duration) (int, error) {
	stuck, err := o.store.ListStuck(ctx, o.timeNow().Add(-threshold))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range stuck {
		cause := errors.Mark(errors.Newf("job stuck in %s for more than %s", job.CurrentStage, threshold), errors.ErrTimeout)
		if err := o.Fail(ctx, job.ID, cause); err != nil {
			o.logger.Warnw("Failed to fail stuck job", logger.FieldJobID, job.ID, logger.FieldError, err)
			continue
		}
		o.cancelMu.Lock()
		if cancel, ok := o.cancels[job.ID]; ok {
			cancel()
		}
		o.cancelMu.Unlock()
		failed++
	}
	return failed, nil
}

// GetJob returns a job by id.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// GetStatus returns the current status of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// GetProgress returns overall progress and the per-stage values.
func (o *Orchestrator) GetProgress(ctx context.Context, jobID string) (float64, StageProgress, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, nil, err
	}
	return job.Progress, job.StageProgress, nil
}

// ListJobs returns jobs matching filter, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// Resubmit starts a fresh job from a stored submission. Used by the
// dead-letter requeue.
func (o *Orchestrator) Resubmit(ctx context.Context, req SubmitRequest) (*Job, error) {
	job, created, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errors.NewConflictError("job %s is already active for this video", job.ID)
	}
	return job, nil
}

func (o *Orchestrator) notify(ctx context.Context, kind string, fn func(NotificationSink) error) {
	if o.deps.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Errorw("Notification sink panicked", "kind", kind, "panic", r)
		}
	}()
	if err := fn(o.deps.Notifier); err != nil {
		o.logger.Warnw("Notification failed", "kind", kind, logger.FieldError, err)
	}
}
