package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across ytrag.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID      = "job_id"
	FieldVideoID    = "video_id"
	FieldUserID     = "user_id"
	FieldTaskID     = "task_id"
	FieldDeadLetter = "dead_letter_id"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"
	FieldWorkerID  = "worker_id"

	// Pipeline
	FieldStage    = "stage"
	FieldJobType  = "job_type"
	FieldProgress = "progress"
	FieldAttempt  = "attempt"
	FieldPriority = "priority"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldDelay      = "delay"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldSegments  = "segments"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Files and paths
	FieldFile   = "file"
	FieldBinary = "binary"
	FieldURL    = "url"

	FieldSymbol = "symbol" // glyph from package sym
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	videoIDKey   contextKey = "logger_video_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithVideoID adds a video ID to the context for logging
func WithVideoID(ctx context.Context, videoID string) context.Context {
	return context.WithValue(ctx, videoIDKey, videoID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if videoID, ok := ctx.Value(videoIDKey).(string); ok && videoID != "" {
		fields = append(fields, FieldVideoID, videoID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// LoggerFromContext returns the global logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	return FromContext(ctx, Logger)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	orch := pipeline.NewOrchestrator(db, queue, logger.ComponentLogger("pipeline"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
