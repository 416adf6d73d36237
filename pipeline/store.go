package pipeline

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gustavoali/ytrag/db"
	"github.com/gustavoali/ytrag/errors"
)

// Store persists jobs and videos.
type Store struct {
	db *sql.DB
}

// NewStore creates a job and video store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components sharing the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateVideo inserts a video. A duplicate external id is a conflict.
func (s *Store) CreateVideo(ctx context.Context, v *Video) error {
	query := `
		INSERT INTO videos (
			id, user_id, external_id, url, title, status, error_message,
			duration_seconds, language, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		v.ID,
		v.UserID,
		v.ExternalID,
		v.URL,
		v.Title,
		v.Status,
		nullString(v.ErrorMessage),
		v.DurationSeconds,
		v.Language,
		v.CreatedAt.UTC(),
		v.UpdatedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("video %s already exists", v.ExternalID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create video")
	}
	return nil
}

// GetVideo retrieves a video by id.
func (s *Store) GetVideo(ctx context.Context, id string) (*Video, error) {
	query := `SELECT ` + standardVideoSelectColumns + ` FROM videos WHERE id = ?`
	v, err := scanVideo(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("video not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get video")
	}
	return v, nil
}

// GetVideoByExternalID retrieves a video by its platform id.
func (s *Store) GetVideoByExternalID(ctx context.Context, externalID string) (*Video, error) {
	query := `SELECT ` + standardVideoSelectColumns + ` FROM videos WHERE external_id = ?`
	v, err := scanVideo(s.db.QueryRowContext(ctx, query, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("video not found: %s", externalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get video by external id")
	}
	return v, nil
}

// UpdateVideoStatus sets the status and error message of a video.
func (s *Store) UpdateVideoStatus(ctx context.Context, id string, status VideoStatus, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE videos SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, nullString(errMsg), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update video status")
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errors.NewNotFoundError("video not found: %s", id)
	}
	return nil
}

// UpdateVideoDetails records what the pipeline learned about a video.
// Empty or zero arguments leave the stored value untouched.
func (s *Store) UpdateVideoDetails(ctx context.Context, id, title string, durationSeconds float64, language string) error {
	query := `
		UPDATE videos
		SET title = CASE WHEN ? != '' THEN ? ELSE title END,
		    duration_seconds = CASE WHEN ? > 0 THEN ? ELSE duration_seconds END,
		    language = CASE WHEN ? != '' THEN ? ELSE language END,
		    updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query,
		title, title,
		durationSeconds, durationSeconds,
		language, language,
		time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update video details")
	}
	return nil
}

// CreateJob inserts a job. A second active job for the same (video, type)
// violates idx_jobs_active_video_type and is reported as a conflict.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	stages, err := marshalStageProgress(job.StageProgress)
	if err != nil {
		return err
	}
	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			id, video_id, user_id, type, status, current_stage, stage_progress,
			progress, priority, retry_count, max_retries, error_message, metadata,
			started_at, completed_at, failed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.VideoID,
		job.UserID,
		job.Type,
		job.Status,
		job.CurrentStage,
		stages,
		job.Progress,
		job.Priority,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ErrorMessage),
		meta,
		utcPtr(job.StartedAt),
		utcPtr(job.CompletedAt),
		utcPtr(job.FailedAt),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return errors.NewConflictError("active %s job already exists for video %s", job.Type, job.VideoID)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + standardJobSelectColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// FindActiveJob returns the non-terminal job for (video, type), or a
// not-found error when there is none.
func (s *Store) FindActiveJob(ctx context.Context, videoID string, jobType JobType) (*Job, error) {
	query := `SELECT ` + standardJobSelectColumns + `
		FROM jobs
		WHERE video_id = ? AND type = ? AND status IN ('pending', 'running', 'retrying')
		ORDER BY created_at DESC
		LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, videoID, jobType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("no active %s job for video %s", jobType, videoID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find active job")
	}
	return job, nil
}

// UpdateJob writes the lifecycle fields of a job, provided the stored status
// still equals expected. Progress columns are written by UpdateProgress only.
func (s *Store) UpdateJob(ctx context.Context, job *Job, expected JobStatus) error {
	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = ?,
		    current_stage = ?,
		    retry_count = ?,
		    max_retries = ?,
		    error_message = ?,
		    metadata = ?,
		    started_at = ?,
		    completed_at = ?,
		    failed_at = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		job.Status,
		job.CurrentStage,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ErrorMessage),
		meta,
		utcPtr(job.StartedAt),
		utcPtr(job.CompletedAt),
		utcPtr(job.FailedAt),
		job.UpdatedAt.UTC(),
		job.ID,
		expected,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if rows == 0 {
		err := errors.NewConflictError("job %s is no longer %s", job.ID, expected)
		return errors.WithDetail(err, "Job ID: "+job.ID)
	}
	return nil
}

// UpdateProgress stores stage progress and overall progress unless the
// stored overall value is already higher. It reports whether the row was written.
func (s *Store) UpdateProgress(ctx context.Context, id string, stages StageProgress, progress float64) (bool, error) {
	encoded, err := marshalStageProgress(stages)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET stage_progress = ?, progress = ?, updated_at = ?
		WHERE id = ? AND progress <= ?`,
		encoded, progress, time.Now().UTC(), id, progress)
	if err != nil {
		return false, errors.Wrap(err, "failed to update job progress")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return rows > 0, nil
}

// Touch refreshes updated_at of an active job so the stuck sweep sees a
// stage that is still working. Terminal jobs are left alone.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET updated_at = ?
		WHERE id = ? AND status IN ('running', 'retrying')`,
		at.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to touch job %s", id)
	}
	return nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status  JobStatus
	Type    JobType
	VideoID string
	UserID  string
	Limit   int
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.VideoID != "" {
		where = append(where, "video_id = ?")
		args = append(args, filter.VideoID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	query := `SELECT ` + standardJobSelectColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

// ListStuck returns running or retrying jobs not updated since cutoff.
func (s *Store) ListStuck(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	query := `SELECT ` + standardJobSelectColumns + `
		FROM jobs
		WHERE status IN ('running', 'retrying') AND updated_at < ?
		ORDER BY updated_at ASC`
	return s.queryJobs(ctx, query, cutoff.UTC())
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// ArchiveCompleted moves completed jobs older than cutoff into jobs_archive.
func (s *Store) ArchiveCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin archive")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs_archive (`+standardJobSelectColumns+`, archived_at)
		SELECT `+standardJobSelectColumns+`, ?
		FROM jobs
		WHERE status = 'completed' AND completed_at < ?`, now, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to copy jobs to archive")
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'completed' AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete archived jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit archive")
	}
	return int(n), nil
}

// CountByStatus returns job counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
