// Package async is the durable work queue the pipeline runs on.
//
// A Task (one row in work_items) names a handler and the pipeline job it
// works on. Stage processors register as handlers; the WorkerPool claims due
// tasks by priority and run time and dispatches them by handler name.
package async

import (
	"time"

	"github.com/google/uuid"

	"github.com/gustavoali/ytrag/errors"
)

// TaskStatus is the lifecycle state of a work item.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid TaskStatus
func IsValidStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinished reports whether the task will not run again.
func (s TaskStatus) IsFinished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is one unit of queued work: run handler HandlerName for job JobID.
type Task struct {
	ID          string     `json:"id"`
	HandlerName string     `json:"handler_name"` // "ingest.download", "ingest.transcription"
	JobID       string     `json:"job_id"`
	Priority    int        `json:"priority"` // higher runs first
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	RunAt       time.Time  `json:"run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask creates a queued task that is due immediately.
func NewTask(handlerName, jobID string, priority int) (*Task, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	if jobID == "" {
		return nil, errors.New("jobID cannot be empty")
	}

	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		JobID:       jobID,
		Priority:    priority,
		Status:      TaskStatusQueued,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Start marks the task as running
func (t *Task) Start() {
	now := time.Now().UTC()
	t.Status = TaskStatusRunning
	t.Attempts++
	t.StartedAt = &now
	t.UpdatedAt = now
}

// Complete marks the task as completed
func (t *Task) Complete() {
	now := time.Now().UTC()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Fail marks the task as failed with an error message
func (t *Task) Fail(err error) {
	now := time.Now().UTC()
	t.Status = TaskStatusFailed
	t.Error = err.Error()
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Cancel marks the task as cancelled with a reason
func (t *Task) Cancel(reason string) {
	now := time.Now().UTC()
	t.Status = TaskStatusCancelled
	t.Error = reason
	t.CompletedAt = &now
	t.UpdatedAt = now
}

// Requeue puts a running task back in the queue, due now.
func (t *Task) Requeue() {
	now := time.Now().UTC()
	t.Status = TaskStatusQueued
	t.Error = ""
	t.RunAt = now
	t.UpdatedAt = now
}
