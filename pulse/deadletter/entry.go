// Package deadletter keeps failed jobs that need a human decision. A sweep
// promotes failed jobs into dead_letter_jobs with a snapshot of what was
// submitted, and an operator can requeue an entry once, which submits a
// fresh job from that snapshot.
package deadletter

import (
	"encoding/json"
	"time"

	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/pipeline"
	"github.com/gustavoali/ytrag/pulse/async"
)

// Entry is one dead-lettered job.
type Entry struct {
	ID               string     `json:"id"`
	JobID            string     `json:"job_id"`
	FailureReason    string     `json:"failure_reason"`
	FailureDetails   string     `json:"failure_details"`
	OriginalPayload  string     `json:"original_payload"`
	FailedAt         time.Time  `json:"failed_at"`
	AttemptedRetries int        `json:"attempted_retries"`
	IsRequeued       bool       `json:"is_requeued"`
	RequeuedAt       *time.Time `json:"requeued_at,omitempty"`
	RequeuedBy       string     `json:"requeued_by,omitempty"`
	RequeuedJobID    string     `json:"requeued_job_id,omitempty"`
	Notes            string     `json:"notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Details decodes the classified failure.
func (e *Entry) Details() (async.ErrorContext, error) {
	var ec async.ErrorContext
	if e.FailureDetails == "" {
		return ec, nil
	}
	if err := json.Unmarshal([]byte(e.FailureDetails), &ec); err != nil {
		return ec, errors.Wrapf(err, "failed to decode failure details of %s", e.ID)
	}
	return ec, nil
}

// Payload decodes the submission snapshot.
func (e *Entry) Payload() (pipeline.SubmitRequest, error) {
	var req pipeline.SubmitRequest
	if err := json.Unmarshal([]byte(e.OriginalPayload), &req); err != nil {
		return req, errors.Wrapf(err, "failed to decode payload of %s", e.ID)
	}
	if req.URL == "" {
		return req, errors.NewIntegrityError("dead letter %s has no source url in its payload", e.ID)
	}
	return req, nil
}

// Filter narrows List. A nil Requeued matches both.
type Filter struct {
	Requeued *bool
	Limit    int
}
