package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/share"
)

// ErrJobNotFound is returned by a JobStore for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueClosed is returned when publishing to a stopped queue.
var ErrQueueClosed = errors.New("queue is closed")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeFullSync scans the receipt share for every unprocessed file.
	JobTypeFullSync JobType = "full_sync"
	// JobTypeFileSync processes exactly one known file.
	JobTypeFileSync JobType = "file_sync"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// SyncJob is one requested sync run.
type SyncJob struct {
	JobID string  `json:"job_id"`
	Type  JobType `json:"type"`

	// File is set for JobTypeFileSync.
	File *share.RemoteFile `json:"file,omitempty"`

	// Trigger records what requested the run, e.g. "startup", "schedule", "api", "hook".
	Trigger string `json:"trigger,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// Result summarizes a completed run.
	Result *Result `json:"result,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Result is what a sync run reports back to its job.
type Result struct {
	RunID          string   `json:"run_id"`
	ProcessedFiles []string `json:"processed_files"`
	SkippedFiles   []string `json:"skipped_files,omitempty"`
	AddedItems     int      `json:"added_items"`
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// Publish enqueues a job. It fills in JobID, Status and CreatedAt when unset.
	Publish(ctx context.Context, job *SyncJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error marks the job failed or
// schedules a retry.
type JobHandler func(ctx context.Context, job *SyncJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *SyncJob) error

	// GetJob retrieves a job by ID. Unknown ids return ErrJobNotFound.
	GetJob(ctx context.Context, jobID string) (*SyncJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Type   JobType
	Status JobStatus
	Limit  int
	Offset int
}

// Matches reports whether job passes the type and status filters.
func (f JobFilter) Matches(job *SyncJob) bool {
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	return true
}

// Clone returns a deep copy of the job.
func (j *SyncJob) Clone() *SyncJob {
	c := *j
	if j.File != nil {
		f := *j.File
		c.File = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.ProcessedFiles = append([]string(nil), j.Result.ProcessedFiles...)
		r.SkippedFiles = append([]string(nil), j.Result.SkippedFiles...)
		c.Result = &r
	}
	return &c
}
