package deadletter

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gustavoali/ytrag/db"
	"github.com/gustavoali/ytrag/errors"
)

// Store persists dead-letter entries.
type Store struct {
	db *sql.DB
}

// NewStore creates a dead-letter store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const standardEntrySelectColumns = `id, job_id, failure_reason, failure_details, original_payload,
		failed_at, attempted_retries, is_requeued, requeued_at, requeued_by, requeued_job_id,
		notes, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var requeuedAt sql.NullTime
	var requeuedBy, requeuedJobID sql.NullString
	if err := row.Scan(
		&e.ID,
		&e.JobID,
		&e.FailureReason,
		&e.FailureDetails,
		&e.OriginalPayload,
		&e.FailedAt,
		&e.AttemptedRetries,
		&e.IsRequeued,
		&requeuedAt,
		&requeuedBy,
		&requeuedJobID,
		&e.Notes,
		&e.CreatedAt,
	); err != nil {
		return nil, err
	}
	if requeuedAt.Valid {
		t := requeuedAt.Time
		e.RequeuedAt = &t
	}
	e.RequeuedBy = requeuedBy.String
	e.RequeuedJobID = requeuedJobID.String
	return &e, nil
}

// Create inserts an entry. A second entry for the same job violates the
// unique job_id constraint and is reported as a conflict.
func (s *Store) Create(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO dead_letter_jobs (
			id, job_id, failure_reason, failure_details, original_payload,
			failed_at, attempted_retries, is_requeued, notes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.JobID,
		e.FailureReason,
		e.FailureDetails,
		e.OriginalPayload,
		e.FailedAt.UTC(),
		e.AttemptedRetries,
		e.Notes,
		e.CreatedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("job %s is already dead-lettered", e.JobID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create dead letter")
	}
	return nil
}

// Get retrieves an entry by id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	return s.getBy(ctx, "id", id)
}

// GetByJobID retrieves the entry of a job.
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*Entry, error) {
	return s.getBy(ctx, "job_id", jobID)
}

func (s *Store) getBy(ctx context.Context, column, value string) (*Entry, error) {
	query := `SELECT ` + standardEntrySelectColumns + ` FROM dead_letter_jobs WHERE ` + column + ` = ?`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("dead letter not found: %s", value)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dead letter")
	}
	return e, nil
}

// List returns entries, most recent failure first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	var where []string
	var args []interface{}
	if filter.Requeued != nil {
		where = append(where, "is_requeued = ?")
		args = append(args, *filter.Requeued)
	}

	query := `SELECT ` + standardEntrySelectColumns + ` FROM dead_letter_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY failed_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan dead letter")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkRequeued records a requeue. Only the first requeue of an entry wins.
func (s *Store) MarkRequeued(ctx context.Context, id, by, newJobID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_jobs
		SET is_requeued = 1, requeued_at = ?, requeued_by = ?, requeued_job_id = ?
		WHERE id = ? AND is_requeued = 0`,
		at.UTC(), by, newJobID, id)
	if err != nil {
		return errors.Wrap(err, "failed to mark dead letter requeued")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if rows == 0 {
		return errors.NewConflictError("dead letter %s was already requeued", id)
	}
	return nil
}

// AppendNote adds a line to the notes of an entry.
func (s *Store) AppendNote(ctx context.Context, id, note string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_jobs
		SET notes = CASE WHEN notes = '' THEN ? ELSE notes || char(10) || ? END
		WHERE id = ?`, note, note, id)
	if err != nil {
		return errors.Wrap(err, "failed to add dead letter note")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errors.NewNotFoundError("dead letter not found: %s", id)
	}
	return nil
}

// FailedJobIDs returns failed jobs that have no entry yet, oldest failure first.
func (s *Store) FailedJobIDs(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT j.id
		FROM jobs j
		LEFT JOIN dead_letter_jobs d ON d.job_id = j.id
		WHERE j.status = 'failed' AND d.id IS NULL
		ORDER BY j.failed_at ASC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find failed jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPending returns entries that have not been requeued.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_jobs WHERE is_requeued = 0`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count dead letters")
	}
	return n, nil
}
