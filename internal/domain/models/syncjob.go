package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the terminal or running status of a sync job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// SyncJob is one tracked execution of a feed sync. Immutable once terminal.
type SyncJob struct {
	ID       uuid.UUID `json:"job_id"`
	FeedID   string    `json:"feed_id"`
	TenantID string    `json:"tenant_id"`
	Status   JobStatus `json:"status"`
	// Reason qualifies a failure: timeout, cancelled, auth_failed, ...
	Reason    string     `json:"reason,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Imported   int      `json:"imported"`
	Updated    int      `json:"updated"`
	Skipped    int      `json:"skipped"`
	Errored    int      `json:"errored"`
	Conflicted int      `json:"conflicted"`
	Errors     []string `json:"errors,omitempty"`

	// Watermark is the high-watermark token the next sync resumes from
	Watermark string `json:"watermark,omitempty"`
}

const maxJobErrors = 50

// NewSyncJob creates a running job
func NewSyncJob(tenantID, feedID string, now time.Time) *SyncJob {
	return &SyncJob{
		ID:        uuid.New(),
		FeedID:    feedID,
		TenantID:  tenantID,
		Status:    JobRunning,
		StartedAt: now,
	}
}

// AddError records a per-record error, keeping the list bounded
func (j *SyncJob) AddError(err error) {
	j.Errored++
	if len(j.Errors) < maxJobErrors {
		j.Errors = append(j.Errors, err.Error())
	}
}

// Finish moves the job into a terminal status
func (j *SyncJob) Finish(status JobStatus, reason string, now time.Time) {
	if j.Status.Terminal() {
		return
	}
	j.Status = status
	j.Reason = reason
	j.EndedAt = &now
}

// Duration returns the run time; zero while running
func (j *SyncJob) Duration() time.Duration {
	if j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(j.StartedAt)
}

// Partial reports a successful job that dropped records
func (j *SyncJob) Partial() bool {
	return j.Status == JobSucceeded && (j.Errored > 0 || j.Conflicted > 0)
}

func (j *SyncJob) String() string {
	return fmt.Sprintf("job %s feed=%s status=%s imported=%d updated=%d skipped=%d errored=%d",
		j.ID, j.FeedID, j.Status, j.Imported, j.Updated, j.Skipped, j.Errored)
}

// FeedPhase is the scheduler state of a feed
type FeedPhase string

const (
	PhaseIdle        FeedPhase = "idle"
	PhaseScheduled   FeedPhase = "scheduled"
	PhaseRunning     FeedPhase = "running"
	PhaseSucceeded   FeedPhase = "succeeded"
	PhaseFailed      FeedPhase = "failed"
	PhaseCancelled   FeedPhase = "cancelled"
	PhaseBackoff     FeedPhase = "backoff"
	PhaseQuarantined FeedPhase = "quarantined"
	PhaseDisabled    FeedPhase = "disabled"
)

// FeedState is the persisted scheduler view of one feed
type FeedState struct {
	FeedID              string     `json:"feed_id"`
	TenantID            string     `json:"tenant_id"`
	Phase               FeedPhase  `json:"phase"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextDue             time.Time  `json:"next_due"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastJobID           uuid.UUID  `json:"last_job_id,omitempty"`
	Watermark           string     `json:"watermark,omitempty"`
}

// BackoffLevel returns n of Backoff(n), zero outside backoff
func (s *FeedState) BackoffLevel() int {
	if s.Phase != PhaseBackoff {
		return 0
	}
	return s.ConsecutiveFailures
}
