// -----------------------------------------------------------------------
// Engine Job - Runtime view of one remote analysis task
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the state of a remote analysis job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ParseJobStatus converts an engine status string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(strings.ToLower(strings.TrimSpace(s))) {
	case JobStatusPending:
		return JobStatusPending, nil
	case JobStatusRunning:
		return JobStatusRunning, nil
	case JobStatusCompleted:
		return JobStatusCompleted, nil
	case JobStatusFailed:
		return JobStatusFailed, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Rank orders statuses so that transitions can only move forward.
// Completed and failed share the terminal rank.
func (s JobStatus) Rank() int {
	switch s {
	case JobStatusPending:
		return 0
	case JobStatusRunning:
		return 1
	case JobStatusCompleted, JobStatusFailed:
		return 2
	}
	return -1
}

// IsTerminal reports whether no further transitions can occur
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StatusReport is the lightweight status returned by the engine on every poll.
type StatusReport struct {
	Status       JobStatus `json:"status"`
	Progress     int       `json:"progress"`
	Step         string    `json:"step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Job is the locally tracked snapshot of one engine task.
// Result is set only when Status is completed; ErrorMessage only when failed.
type Job struct {
	ID           string      `json:"id" badgerhold:"key"`
	BatchID      string      `json:"batch_id" badgerhold:"index"`
	Key          string      `json:"key"`
	Status       JobStatus   `json:"status"`
	Progress     int         `json:"progress"`
	Step         string      `json:"step,omitempty"`
	Result       *ScanResult `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	Polls        int         `json:"polls"`
	SubmittedAt  time.Time   `json:"submitted_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
}

// NewJob creates a pending job for a freshly submitted task
func NewJob(taskID, batchID, key string) *Job {
	now := time.Now()
	return &Job{
		ID:          taskID,
		BatchID:     batchID,
		Key:         key,
		Status:      JobStatusPending,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
}

// Apply folds a status report into the job, keeping status and progress monotonic.
// Returns false when the report would move the job backwards and was ignored.
func (j *Job) Apply(report *StatusReport) bool {
	if report == nil || j.Status.IsTerminal() {
		return false
	}
	if report.Status.Rank() < j.Status.Rank() {
		return false
	}

	j.Status = report.Status
	if report.Progress > j.Progress {
		j.Progress = clampProgress(report.Progress)
	}
	if report.Step != "" {
		j.Step = report.Step
	}
	j.Polls++
	j.UpdatedAt = time.Now()
	return true
}

// MarkCompleted moves the job into the completed state with its result
func (j *Job) MarkCompleted(result *ScanResult) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Progress = 100
	j.Result = result
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.FinishedAt = &now
}

// MarkFailed moves the job into the failed state
func (j *Job) MarkFailed(message string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.Result = nil
	j.ErrorMessage = message
	j.UpdatedAt = now
	j.FinishedAt = &now
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
