package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pulse/async"
	"github.com/gustavoali/ytrag/pulse/resilience"
	"github.com/gustavoali/ytrag/transcript"
)

const rawSegmentsFile = "raw_segments.json"

// stageFunc runs one stage for job. The result is only used by the last
// stage of a plan and becomes the job summary.
type stageFunc func(ctx context.Context, job *Job) (*JobResult, error)

// RegisterHandlers registers one work-queue handler per stage.
func (o *Orchestrator) RegisterHandlers(registry *async.HandlerRegistry) {
	stages := []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageDownload, o.download},
		{StageAudioExtraction, o.extractAudio},
		{StageTranscription, o.transcribe},
		{StageSegmentation, o.segment},
		{StageEmbedding, o.embed},
	}
	for _, s := range stages {
		stage, fn := s.stage, s.fn
		registry.Register(async.HandlerFunc{
			HandlerName: stage.HandlerName(),
			Fn: func(ctx context.Context, task *async.Task) error {
				return o.runStage(ctx, task.JobID, stage, fn)
			},
		})
	}
}

// runStage wraps a stage with the job lifecycle. On success the next stage
// is enqueued, or the job completes. On failure the job is failed and the
// error returned so the work item is recorded as failed too. A worker
// shutdown leaves the job alone: the work item is requeued and the stage
// runs again on restart.
func (o *Orchestrator) runStage(ctx context.Context, jobID string, stage Stage, fn stageFunc) error {
	jobCtx, job, release, err := o.BeginStage(ctx, jobID, stage)
	if err != nil {
		return err
	}
	defer release()
	stopHeartbeat := o.heartbeat(jobCtx, jobID)
	defer stopHeartbeat()

	log := o.logger.With(logger.FieldJobID, jobID, logger.FieldStage, stage)
	log.Infow("Stage started", logger.FieldJobType, job.Type)
	start := time.Now()

	result, err := callStage(jobCtx, job, stage, fn, log)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if jobCtx.Err() != nil || errors.Is(err, errors.ErrCancelled) {
			log.Infow("Stage stopped by cancellation")
			return errors.Mark(errors.Wrapf(err, "job %s cancelled during %s", jobID, stage), errors.ErrCancelled)
		}
		if failErr := o.Fail(context.WithoutCancel(ctx), jobID, errors.Wrapf(err, "%s stage failed", stage)); failErr != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, failErr)
		}
		return err
	}
	if jobCtx.Err() != nil {
		return errors.Mark(errors.Newf("job %s cancelled after %s", jobID, stage), errors.ErrCancelled)
	}

	log.Infow("Stage finished", logger.FieldDurationMS, time.Since(start).Milliseconds())

	next := NextStage(job.Type, stage)
	if next == "" {
		return o.Complete(ctx, jobID, result)
	}
	if err := o.enqueueStage(ctx, job, next); err != nil {
		if failErr := o.Fail(context.WithoutCancel(ctx), jobID, err); failErr != nil {
			log.Errorw("Failed to record job failure", logger.FieldError, failErr)
		}
		return err
	}
	return nil
}

// callStage runs fn and turns a panic into a stage error, so the job is
// failed through the normal path instead of being left running.
func callStage(ctx context.Context, job *Job, stage Stage, fn stageFunc, log *zap.SugaredLogger) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Stage panicked", "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = errors.Newf("%s stage panicked: %v", stage, r)
		}
	}()
	return fn(ctx, job)
}

// heartbeat keeps updated_at of jobID fresh until the returned stop function
// is called. Collaborators such as the transcription engine report no
// progress, and a single call may legitimately outlast the stuck threshold.
func (o *Orchestrator) heartbeat(ctx context.Context, jobID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.store.Touch(ctx, jobID, o.timeNow()); err != nil && ctx.Err() == nil {
					o.logger.Warnw("Failed to refresh job heartbeat", logger.FieldJobID, jobID, logger.FieldError, err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// protect runs fn under the named resilience policy. Each retry moves the
// job to retrying and the next attempt moves it back to running.
func protect[T any](ctx context.Context, o *Orchestrator, jobID, call string, fn func(context.Context) (T, error)) (T, error) {
	return resilience.Call(ctx, o.deps.Policies.For(call), func(ctx context.Context) (T, error) {
		if err := o.resumeRunning(ctx, jobID); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	}, resilience.OnRetry(func(attempt int, delay time.Duration, err error) {
		if markErr := o.MarkRetrying(context.WithoutCancel(ctx), jobID, attempt, err); markErr != nil {
			o.logger.Warnw("Failed to record retry", logger.FieldJobID, jobID, logger.FieldError, markErr)
		}
	}))
}

// progressFunc adapts Advance to a collaborator callback.
func (o *Orchestrator) progressFunc(ctx context.Context, jobID string, stage Stage) ProgressFunc {
	return func(fraction float64) {
		if err := o.Advance(ctx, jobID, stage, fraction); err != nil {
			o.logger.Warnw("Failed to record progress",
				logger.FieldJobID, jobID,
				logger.FieldStage, stage,
				logger.FieldError, err)
		}
	}
}

// updateMetadata applies fn to the stored metadata of a job.
func (o *Orchestrator) updateMetadata(ctx context.Context, jobID string, fn func(*JobMetadata)) error {
	unlock := o.jobLocks.Lock(jobID)
	defer unlock()

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	fn(&job.Metadata)
	job.UpdatedAt = o.timeNow()
	return o.store.UpdateJob(ctx, job, job.Status)
}

func (o *Orchestrator) jobDir(jobID string) (string, error) {
	dir := filepath.Join(o.cfg.WorkDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create work directory %s", dir)
	}
	return dir, nil
}

func unavailable(what string) error {
	return errors.Mark(errors.Newf("%s is not available", what), errors.ErrServiceUnavailable)
}

func (o *Orchestrator) download(ctx context.Context, job *Job) (*JobResult, error) {
	if o.deps.Downloader == nil {
		return nil, unavailable("video downloader")
	}
	if err := o.store.UpdateVideoStatus(ctx, job.VideoID, VideoStatusDownloading, ""); err != nil {
		return nil, err
	}
	dir, err := o.jobDir(job.ID)
	if err != nil {
		return nil, err
	}

	onProgress := o.progressFunc(ctx, job.ID, StageDownload)
	path, err := protect(ctx, o, job.ID, string(StageDownload), func(ctx context.Context) (string, error) {
		return o.deps.Downloader.Download(ctx, job.Metadata.ExternalID, dir, onProgress)
	})
	if err != nil {
		return nil, err
	}
	if err := o.Advance(ctx, job.ID, StageDownload, 1); err != nil {
		return nil, err
	}
	if err := o.updateMetadata(ctx, job.ID, func(m *JobMetadata) { m.VideoPath = path }); err != nil {
		return nil, err
	}
	return &JobResult{VideoPath: path}, nil
}

func (o *Orchestrator) extractAudio(ctx context.Context, job *Job) (*JobResult, error) {
	if o.deps.Extractor == nil {
		return nil, unavailable("audio extractor")
	}
	if job.Metadata.VideoPath == "" {
		return nil, errors.NewIntegrityError("job %s has no downloaded video", job.ID)
	}
	if err := o.store.UpdateVideoStatus(ctx, job.VideoID, VideoStatusProcessing, ""); err != nil {
		return nil, err
	}
	dir, err := o.jobDir(job.ID)
	if err != nil {
		return nil, err
	}

	type extracted struct {
		path     string
		duration float64
	}
	out, err := protect(ctx, o, job.ID, string(StageAudioExtraction), func(ctx context.Context) (extracted, error) {
		path, duration, err := o.deps.Extractor.Extract(ctx, job.Metadata.VideoPath, dir)
		return extracted{path, duration}, err
	})
	if err != nil {
		return nil, err
	}
	if err := o.Advance(ctx, job.ID, StageAudioExtraction, 1); err != nil {
		return nil, err
	}
	if err := o.updateMetadata(ctx, job.ID, func(m *JobMetadata) {
		m.AudioPath = out.path
		m.DurationSeconds = out.duration
	}); err != nil {
		return nil, err
	}
	if err := o.store.UpdateVideoDetails(ctx, job.VideoID, "", out.duration, ""); err != nil {
		return nil, err
	}
	return nil, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, job *Job) (*JobResult, error) {
	if o.deps.Engine == nil || !o.deps.Engine.IsAvailable(ctx) {
		return nil, unavailable("transcription engine")
	}
	if job.Metadata.AudioPath == "" {
		return nil, errors.NewIntegrityError("job %s has no extracted audio", job.ID)
	}
	dir, err := o.jobDir(job.ID)
	if err != nil {
		return nil, err
	}

	type transcribed struct {
		segments []transcript.RawSegment
		language string
	}
	out, err := protect(ctx, o, job.ID, string(StageTranscription), func(ctx context.Context) (transcribed, error) {
		segs, lang, err := o.deps.Engine.Transcribe(ctx, job.Metadata.AudioPath, job.Metadata.Language, job.Metadata.Quality)
		return transcribed{segs, lang}, err
	})
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(out.segments)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal raw segments")
	}
	path := filepath.Join(dir, rawSegmentsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "failed to write %s", path)
	}

	if err := o.Advance(ctx, job.ID, StageTranscription, 1); err != nil {
		return nil, err
	}
	if err := o.updateMetadata(ctx, job.ID, func(m *JobMetadata) {
		m.RawSegmentsPath = path
		m.DetectedLanguage = out.language
	}); err != nil {
		return nil, err
	}
	o.logger.Infow("Transcription produced segments",
		logger.FieldJobID, job.ID,
		logger.FieldSegments, len(out.segments),
		"language", out.language)
	return nil, nil
}

func (o *Orchestrator) segment(ctx context.Context, job *Job) (*JobResult, error) {
	if job.Metadata.RawSegmentsPath == "" {
		return nil, errors.NewIntegrityError("job %s has no raw segments", job.ID)
	}
	data, err := os.ReadFile(job.Metadata.RawSegmentsPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", job.Metadata.RawSegmentsPath)
	}
	var raw []transcript.RawSegment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewIntegrityError("malformed raw segments for job %s: %v", job.ID, err)
	}

	language := job.Metadata.DetectedLanguage
	if language == "" {
		language = job.Metadata.Language
	}
	segments := transcript.Normalize(transcript.FromRaw(job.VideoID, language, raw), o.cfg.MaxTextLength)
	if err := o.Advance(ctx, job.ID, StageSegmentation, 0.5); err != nil {
		return nil, err
	}

	warnings, err := transcript.Validate(segments, job.VideoID)
	if err != nil {
		return nil, err
	}
	warningText := make([]string, 0, len(warnings))
	for _, w := range warnings {
		o.logger.Warnw("Transcript segment warning",
			logger.FieldJobID, job.ID,
			"index", w.Index,
			"code", w.Code,
			"message", w.Message)
		warningText = append(warningText, w.String())
	}
	if err := o.Advance(ctx, job.ID, StageSegmentation, 1); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := o.deps.Segments.ReplaceForVideo(ctx, job.VideoID, segments)
	if err != nil {
		return nil, err
	}
	if err := o.Advance(ctx, job.ID, StagePersistence, 1); err != nil {
		return nil, err
	}

	if err := o.store.UpdateVideoDetails(ctx, job.VideoID, "", 0, language); err != nil {
		return nil, err
	}
	if err := o.store.UpdateVideoStatus(ctx, job.VideoID, VideoStatusTranscribed, ""); err != nil {
		return nil, err
	}

	if !o.cfg.KeepArtifacts {
		dir := filepath.Join(o.cfg.WorkDir, job.ID)
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warnw("Failed to remove job artifacts", logger.FieldFile, dir, logger.FieldError, err)
		}
	}

	return &JobResult{
		SegmentCount:    n,
		Warnings:        warningText,
		Language:        language,
		DurationSeconds: job.Metadata.DurationSeconds,
	}, nil
}

func (o *Orchestrator) embed(ctx context.Context, job *Job) (*JobResult, error) {
	if o.deps.Embedder == nil || o.deps.Embeddings == nil {
		return nil, unavailable("embedder")
	}
	segments, err := o.deps.Segments.ListByVideo(ctx, job.VideoID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, errors.NewIntegrityError("video %s has no transcript segments to embed", job.VideoID)
	}

	model := o.deps.Embedder.Model()
	embeddings := make([]transcript.Embedding, 0, len(segments))
	for start := 0; start < len(segments); start += o.cfg.EmbedBatchSize {
		end := min(start+o.cfg.EmbedBatchSize, len(segments))
		batch := segments[start:end]

		texts := make([]string, len(batch))
		for i, seg := range batch {
			texts[i] = seg.Text
		}
		vectors, err := protect(ctx, o, job.ID, string(StageEmbedding), func(ctx context.Context) ([][]float32, error) {
			return o.deps.Embedder.Embed(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, errors.NewIntegrityError("embedder returned %d vectors for %d segments", len(vectors), len(batch))
		}
		for i, seg := range batch {
			embeddings = append(embeddings, transcript.Embedding{
				SegmentID: seg.ID,
				VideoID:   job.VideoID,
				Model:     model,
				Vector:    vectors[i],
			})
		}
		if err := o.Advance(ctx, job.ID, StageEmbedding, float64(end)/float64(len(segments))*0.95); err != nil {
			return nil, err
		}
	}

	if err := o.deps.Embeddings.ReplaceForVideo(ctx, job.VideoID, embeddings); err != nil {
		return nil, err
	}
	if err := o.Advance(ctx, job.ID, StageEmbedding, 1); err != nil {
		return nil, err
	}
	return &JobResult{EmbeddingCount: len(embeddings)}, nil
}
