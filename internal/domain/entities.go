// Package domain defines the core entities, tier policy, error taxonomy
// and ports for the project-generation job queue.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	// Client errors surfaced through the HTTP layer.
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidTier     = errors.New("invalid tier")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrQueueFull       = errors.New("queue full")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")

	// ErrStoreUnavailable marks store I/O failures that survived the
	// bounded retry inside the store adapter.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNonRetryable classifies generator failures that must not be
	// re-attempted (e.g. payload validation errors).
	ErrNonRetryable = errors.New("non-retryable")
)

// JobStatus enumerates the lifecycle states of a job.
type JobStatus string

// Lifecycle states. Transitions form a DAG:
// queued -> processing -> {completed|failed|cancelled};
// queued -> cancelled; processing -> queued (timeout retry).
const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the central entity: one project-generation request with its
// lifecycle state. Priority is derived from Tier at admission and never
// changes afterwards; Attempt starts at 1 and only increases.
type Job struct {
	ID              string
	UserID          string
	Tier            Tier
	Priority        int
	Payload         json.RawMessage
	Status          JobStatus
	CreatedAt       time.Time
	StartedAt       time.Time // zero until processing
	CompletedAt     time.Time // zero until terminal
	WorkerID        string    // set while processing
	ErrorMessage    string    // set when failed
	ResultHandle    string    // set when completed
	Attempt         int
	CancelRequested bool
}

// Generator is the external project-generation engine invoked by a
// worker. Generate must be restartable with the same payload and must
// honor ctx cancellation cooperatively. The returned string is an
// opaque locator for the produced artifact.
type Generator interface {
	Generate(ctx context.Context, jobID string, payload json.RawMessage) (string, error)
}
