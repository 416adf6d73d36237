package pipeline

import (
	"database/sql"
	"encoding/json"

	"github.com/gustavoali/ytrag/errors"
)

// jobScanArgs holds the columns of a jobs row that need conversion.
type jobScanArgs struct {
	StageProgress string
	ErrorMsg      sql.NullString
	Metadata      string
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
	FailedAt      sql.NullTime
}

// jobScanTargets returns scan targets in standardJobSelectColumns order.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.VideoID,
		&job.UserID,
		&job.Type,
		&job.Status,
		&job.CurrentStage,
		&args.StageProgress,
		&job.Progress,
		&job.Priority,
		&job.RetryCount,
		&job.MaxRetries,
		&args.ErrorMsg,
		&args.Metadata,
		&args.StartedAt,
		&args.CompletedAt,
		&args.FailedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

func processJobScanArgs(job *Job, args *jobScanArgs) error {
	job.StageProgress = StageProgress{}
	if args.StageProgress != "" {
		if err := json.Unmarshal([]byte(args.StageProgress), &job.StageProgress); err != nil {
			return errors.Wrapf(err, "failed to unmarshal stage progress of job %s", job.ID)
		}
	}
	meta, err := unmarshalMetadata(args.Metadata)
	if err != nil {
		return errors.WithDetail(err, "Job ID: "+job.ID)
	}
	job.Metadata = meta
	if args.ErrorMsg.Valid {
		job.ErrorMessage = args.ErrorMsg.String
	}
	if args.StartedAt.Valid {
		t := args.StartedAt.Time
		job.StartedAt = &t
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
	if args.FailedAt.Valid {
		t := args.FailedAt.Time
		job.FailedAt = &t
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	if err := processJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

const standardJobSelectColumns = `id, video_id, user_id, type, status, current_stage, stage_progress,
		progress, priority, retry_count, max_retries, error_message, metadata,
		started_at, completed_at, failed_at, created_at, updated_at`

func scanVideo(row rowScanner) (*Video, error) {
	var v Video
	var errMsg sql.NullString
	if err := row.Scan(
		&v.ID,
		&v.UserID,
		&v.ExternalID,
		&v.URL,
		&v.Title,
		&v.Status,
		&errMsg,
		&v.DurationSeconds,
		&v.Language,
		&v.CreatedAt,
		&v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		v.ErrorMessage = errMsg.String
	}
	return &v, nil
}

const standardVideoSelectColumns = `id, user_id, external_id, url, title, status, error_message,
		duration_seconds, language, created_at, updated_at`

func marshalStageProgress(p StageProgress) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal stage progress")
	}
	return string(data), nil
}
