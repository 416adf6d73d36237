package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

const (
	// MaxTasksLimit is the maximum number of tasks returned by one listing
	MaxTasksLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
)

// Queue is the work queue stage processors chain through. It serializes
// writes from this process and fans task updates out to subscribers.
type Queue struct {
	store       *Store
	mu          sync.RWMutex
	subscribers []chan *Task
	timeNow     func() time.Time
}

// NewQueue creates a new work queue
func NewQueue(db *sql.DB) *Queue {
	return &Queue{
		store:       NewStore(db),
		subscribers: make([]chan *Task, 0),
		timeNow:     time.Now,
	}
}

// Store exposes the underlying store for maintenance sweeps.
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a task that is due now
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	return q.Schedule(ctx, task, 0)
}

// Schedule adds a task that becomes due after delay
func (q *Queue) Schedule(ctx context.Context, task *Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if delay > 0 {
		task.RunAt = q.timeNow().UTC().Add(delay)
	}

	if err := q.store.CreateTask(ctx, task); err != nil {
		err = errors.Wrap(err, "failed to enqueue task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", task.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", task.JobID))
		return err
	}

	q.notifySubscribers(task)
	return nil
}

// Delete drops every queued task of a pipeline job. Running tasks are left
// to observe their cancelled context. Returns the number of tasks removed.
func (q *Queue) Delete(ctx context.Context, jobID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.DeleteQueuedForJob(ctx, jobID)
	if err != nil {
		return 0, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return n, nil
}

// Dequeue claims the next due task and marks it running. Returns nil when
// nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.ClaimNext(ctx, q.timeNow())
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue task")
	}
	if task == nil {
		return nil, nil
	}

	q.notifySubscribers(task)
	return task, nil
}

// GetTask retrieves a task by ID
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.GetTask(ctx, id)
}

// UpdateTask updates a task's state
func (q *Queue) UpdateTask(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.UpdateTask(ctx, task); err != nil {
		err = errors.Wrap(err, "failed to update task")
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Status: %s", task.Status))
		return err
	}

	q.notifySubscribers(task)
	return nil
}

// CompleteTask marks a task as completed
func (q *Queue) CompleteTask(ctx context.Context, id string) error {
	return q.finish(ctx, id, "complete", func(t *Task) { t.Complete() })
}

// FailTask marks a task as failed with an error
func (q *Queue) FailTask(ctx context.Context, id string, taskErr error) error {
	return q.finish(ctx, id, "fail", func(t *Task) { t.Fail(taskErr) })
}

// CancelTask marks a task as cancelled
func (q *Queue) CancelTask(ctx context.Context, id string, reason string) error {
	return q.finish(ctx, id, "cancel", func(t *Task) { t.Cancel(reason) })
}

func (q *Queue) finish(ctx context.Context, id, verb string, apply func(*Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "failed to %s task %s", verb, id)
	}

	apply(task)

	if err := q.store.UpdateTask(ctx, task); err != nil {
		err = errors.Wrapf(err, "failed to %s task", verb)
		err = errors.WithDetail(err, fmt.Sprintf("Task ID: %s", task.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", task.HandlerName))
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", task.JobID))
		return err
	}

	q.notifySubscribers(task)
	return nil
}

// ListTasks returns tasks, optionally filtered by status
func (q *Queue) ListTasks(ctx context.Context, status *TaskStatus, limit int) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > MaxTasksLimit {
		limit = MaxTasksLimit
	}
	return q.store.ListTasks(ctx, status, limit)
}

// ListByJob returns the tasks of one pipeline job
func (q *Queue) ListByJob(ctx context.Context, jobID string) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.store.ListByJob(ctx, jobID)
}

// Subscribe returns a channel that receives task updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Task, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed by this method - callers close it themselves.
func (q *Queue) Unsubscribe(ch chan *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a copy of the task to all subscribers.
// REQUIRES: q.mu must be held by caller.
// Uses non-blocking send to avoid stalling if a subscriber is slow.
func (q *Queue) notifySubscribers(task *Task) {
	snapshot := *task
	for _, ch := range q.subscribers {
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

// Cleanup removes finished tasks older than olderThan
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.CleanupOldTasks(ctx, olderThan)
}

// DeleteOrphaned removes live tasks whose job is gone or settled
func (q *Queue) DeleteOrphaned(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.store.DeleteOrphaned(ctx)
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Queued:    counts[TaskStatusQueued],
		Running:   counts[TaskStatusRunning],
		Completed: counts[TaskStatusCompleted],
		Failed:    counts[TaskStatusFailed],
		Cancelled: counts[TaskStatusCancelled],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

// GetTaskCounts returns quick counts of queued and running tasks (for system metrics)
func (q *Queue) GetTaskCounts(ctx context.Context) (queued int, running int, err error) {
	stats, err := q.GetStats(ctx)
	if err != nil {
		return 0, 0, err
	}
	return stats.Queued, stats.Running, nil
}
