package async

import (
	"context"
	"database/sql"
	"time"

	"github.com/gustavoali/ytrag/errors"
)

// Store handles persistence of work items
type Store struct {
	db *sql.DB
}

// NewStore creates a new work item store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateTask inserts a new task into the database
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO work_items (
			id, handler_name, job_id, priority, status, attempts, error,
			run_at, created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.HandlerName,
		task.JobID,
		task.Priority,
		task.Status,
		task.Attempts,
		sql.NullString{String: task.Error, Valid: task.Error != ""},
		task.RunAt.UTC(),
		task.CreatedAt.UTC(),
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create task")
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	query := `SELECT ` + standardTaskSelectColumns + ` FROM work_items WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("task not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return task, nil
}

// UpdateTask writes the mutable fields of a task
func (s *Store) UpdateTask(ctx context.Context, task *Task) error {
	query := `
		UPDATE work_items
		SET status = ?,
		    attempts = ?,
		    error = ?,
		    run_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		task.Status,
		task.Attempts,
		sql.NullString{String: task.Error, Valid: task.Error != ""},
		task.RunAt.UTC(),
		task.StartedAt,
		task.CompletedAt,
		task.UpdatedAt.UTC(),
		task.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update task")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errors.NewNotFoundError("task not found: %s", task.ID)
	}
	return nil
}

// ClaimNext marks the most urgent due task as running and returns it, or nil
// when nothing is due. Higher priority wins, then earlier run_at. The select
// and the update share one write transaction so two workers never claim the
// same row.
func (s *Store) ClaimNext(ctx context.Context, now time.Time) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	query := `SELECT ` + standardTaskSelectColumns + `
		FROM work_items
		WHERE status = 'queued' AND run_at <= ?
		ORDER BY priority DESC, run_at ASC, created_at ASC
		LIMIT 1`

	task, err := scanTask(tx.QueryRowContext(ctx, query, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next task")
	}

	task.Start()
	_, err = tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, attempts = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`,
		task.Status, task.Attempts, task.StartedAt, task.UpdatedAt, task.ID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim task")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by status, newest first
func (s *Store) ListTasks(ctx context.Context, status *TaskStatus, limit int) ([]*Task, error) {
	baseQuery := `SELECT ` + standardTaskSelectColumns + ` FROM work_items`

	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status = ? ORDER BY created_at DESC LIMIT ?`, *status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, baseQuery+` ORDER BY created_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	return scanTasks(rows, "tasks")
}

// ListByJob returns every task of a pipeline job in creation order
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+standardTaskSelectColumns+`
		FROM work_items WHERE job_id = ? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks by job")
	}
	defer rows.Close()

	return scanTasks(rows, "job tasks")
}

// scanTasks is a helper that scans multiple tasks from query rows
func scanTasks(rows *sql.Rows, context string) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return tasks, nil
}

// DeleteQueuedForJob removes the not-yet-started tasks of a job
func (s *Store) DeleteQueuedForJob(ctx context.Context, jobID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM work_items WHERE job_id = ? AND status = 'queued'`, jobID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete queued tasks")
	}
	return rowsAffected(result)
}

// DeleteOrphaned removes queued or running tasks whose pipeline job no longer
// exists or has already settled.
func (s *Store) DeleteOrphaned(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM work_items
		WHERE status IN ('queued', 'running')
		  AND job_id NOT IN (
			SELECT id FROM jobs WHERE status IN ('pending', 'running', 'retrying')
		  )`)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete orphaned tasks")
	}
	return rowsAffected(result)
}

// CleanupOldTasks removes finished tasks last updated before now-olderThan
func (s *Store) CleanupOldTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM work_items
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old tasks")
	}
	return rowsAffected(result)
}

// CountByStatus returns the number of tasks per status
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count tasks")
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan task count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating task counts")
	}
	return counts, nil
}

func rowsAffected(result sql.Result) (int, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
