package async

import (
	"database/sql"
)

// taskScanArgs holds the nullable columns of a work_items row.
type taskScanArgs struct {
	ErrorMsg    sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// taskScanTargets returns scan targets in standardTaskSelectColumns order.
func taskScanTargets(task *Task, args *taskScanArgs) []interface{} {
	return []interface{}{
		&task.ID,
		&task.HandlerName,
		&task.JobID,
		&task.Priority,
		&task.Status,
		&task.Attempts,
		&args.ErrorMsg,
		&task.RunAt,
		&task.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&task.UpdatedAt,
	}
}

func processTaskScanArgs(task *Task, args *taskScanArgs) {
	if args.ErrorMsg.Valid {
		task.Error = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		task.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		task.CompletedAt = &t
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanTask scans one task from a *sql.Row or *sql.Rows
func scanTask(row rowScanner) (*Task, error) {
	var task Task
	args := &taskScanArgs{}
	if err := row.Scan(taskScanTargets(&task, args)...); err != nil {
		return nil, err
	}
	processTaskScanArgs(&task, args)
	return &task, nil
}

const standardTaskSelectColumns = `id, handler_name, job_id, priority, status, attempts, error,
		run_at, created_at, started_at, completed_at, updated_at`
