package notify

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pipeline"
)

// Notification is one stored message for a user.
type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	JobID     string     `json:"job_id"`
	Kind      Kind       `json:"kind"`
	Message   string     `json:"message"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// StoreSink persists notifications.
type StoreSink struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewStoreSink creates a sink writing to the notifications table.
func NewStoreSink(db *sql.DB) *StoreSink {
	return &StoreSink{db: db, timeNow: func() time.Time { return time.Now().UTC() }}
}

func (s *StoreSink) NotifyProgress(ctx context.Context, job *pipeline.Job) error {
	return s.insert(ctx, job, KindProgress, progressMessage(job))
}

func (s *StoreSink) NotifyCompleted(ctx context.Context, job *pipeline.Job) error {
	return s.insert(ctx, job, KindCompleted, completedMessage(job))
}

func (s *StoreSink) NotifyFailed(ctx context.Context, job *pipeline.Job, reason string) error {
	return s.insert(ctx, job, KindFailed, failedMessage(job, reason))
}

func (s *StoreSink) insert(ctx context.Context, job *pipeline.Job, kind Kind, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, job_id, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), job.UserID, job.ID, kind, message, s.timeNow())
	if err != nil {
		return errors.Wrapf(err, "failed to store %s notification", kind)
	}
	return nil
}

// List returns a user's notifications, newest first.
func (s *StoreSink) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	query := `SELECT id, user_id, job_id, kind, message, read_at, created_at
		FROM notifications WHERE user_id = ?`
	args := []interface{}{userID}
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list notifications")
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.JobID, &n.Kind, &n.Message, &readAt, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan notification")
		}
		if readAt.Valid {
			t := readAt.Time
			n.ReadAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead marks a notification read. Marking it twice keeps the first time.
func (s *StoreSink) MarkRead(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ?`, s.timeNow(), id)
	if err != nil {
		return errors.Wrap(err, "failed to mark notification read")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errors.NewNotFoundError("notification not found: %s", id)
	}
	return nil
}

// PurgeRead deletes notifications read more than olderThan ago.
func (s *StoreSink) PurgeRead(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE read_at IS NOT NULL AND read_at < ?`, s.timeNow().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge notifications")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	return int(n), nil
}
