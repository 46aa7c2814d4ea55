package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// Job is one resume-processing request as stored in jobs.
type Job struct {
	ID            string              `json:"id"`
	OwnerID       string              `json:"owner_id"`
	BlobKey       string              `json:"blob_key"`
	ContentHash   string              `json:"content_hash"`
	Status        constants.JobStatus `json:"status"`
	AttemptCount  int                 `json:"attempt_count"`
	TotalAttempts int                 `json:"total_attempts"`
	LastError     *string             `json:"last_error,omitempty"`
	Output        json.RawMessage     `json:"output,omitempty"`
	StagedOutput  json.RawMessage     `json:"staged_output,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// HasOutput reports whether a committed output is present.
func (j *Job) HasOutput() bool {
	return len(j.Output) > 0 && string(j.Output) != "null"
}

// HasStagedOutput reports whether a parse result is waiting to be committed.
func (j *Job) HasStagedOutput() bool {
	return len(j.StagedOutput) > 0 && string(j.StagedOutput) != "null"
}

// ErrorText returns LastError or "".
func (j *Job) ErrorText() string {
	if j.LastError == nil {
		return ""
	}
	return *j.LastError
}
