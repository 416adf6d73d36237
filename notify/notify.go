// Package notify delivers job notifications. StoreSink keeps them in the
// notifications table for users to read; LogSink writes them to the log.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/pipeline"
)

// Kind classifies a notification.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

func progressMessage(job *pipeline.Job) string {
	return fmt.Sprintf("%s job %s is %.0f%% done (%s)", job.Type, job.ID, job.Progress, job.CurrentStage)
}

func completedMessage(job *pipeline.Job) string {
	msg := fmt.Sprintf("%s job %s completed", job.Type, job.ID)
	if r := job.Metadata.Result; r != nil && r.SegmentCount > 0 {
		msg += fmt.Sprintf(" with %d segments", r.SegmentCount)
	}
	return msg
}

func failedMessage(job *pipeline.Job, reason string) string {
	return fmt.Sprintf("%s job %s failed: %s", job.Type, job.ID, reason)
}

// LogSink writes notifications to a logger.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink logging under "notify".
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: log.Named("notify")}
}

func (s *LogSink) NotifyProgress(ctx context.Context, job *pipeline.Job) error {
	s.logger.Debugw(progressMessage(job), logger.FieldJobID, job.ID, logger.FieldProgress, job.Progress)
	return nil
}

func (s *LogSink) NotifyCompleted(ctx context.Context, job *pipeline.Job) error {
	s.logger.Infow(completedMessage(job), logger.FieldJobID, job.ID, logger.FieldUserID, job.UserID)
	return nil
}

func (s *LogSink) NotifyFailed(ctx context.Context, job *pipeline.Job, reason string) error {
	s.logger.Warnw(failedMessage(job, reason), logger.FieldJobID, job.ID, logger.FieldUserID, job.UserID)
	return nil
}

// Multi fans a notification out to several sinks. Every sink is called even
// when an earlier one fails; the errors are combined.
type Multi []pipeline.NotificationSink

func (m Multi) each(fn func(pipeline.NotificationSink) error) error {
	var combined error
	for _, sink := range m {
		combined = errors.CombineErrors(combined, fn(sink))
	}
	return combined
}

func (m Multi) NotifyProgress(ctx context.Context, job *pipeline.Job) error {
	return m.each(func(s pipeline.NotificationSink) error { return s.NotifyProgress(ctx, job) })
}

func (m Multi) NotifyCompleted(ctx context.Context, job *pipeline.Job) error {
	return m.each(func(s pipeline.NotificationSink) error { return s.NotifyCompleted(ctx, job) })
}

func (m Multi) NotifyFailed(ctx context.Context, job *pipeline.Job, reason string) error {
	return m.each(func(s pipeline.NotificationSink) error { return s.NotifyFailed(ctx, job, reason) })
}
