// Package jobstore provides a durable, at-least-once delayed job queue keyed
// by a stable job identity. Scheduling the same identity twice never creates
// duplicate pending work, and cancellation by identity is a normal, race-free
// operation: removing a job that already fired simply reports "not found".
package jobstore

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Reserve when the store has been closed.
var ErrStopped = errors.New("jobstore: store stopped")

// Job is one unit of delayed work.
type Job struct {
	ID          string    `json:"id"`
	Queue       string    `json:"queue"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"` // how many times the job has been reserved
	MaxAttempts int       `json:"max_attempts"`
	Backoff     time.Duration
	RunAt       time.Time `json:"run_at"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Options controls how a job is enqueued.
type Options struct {
	// ID is the job identity. Enqueueing while a live job with the same ID
	// exists returns that job instead of creating a second one.
	ID string
	// Delay before the job becomes due. Zero means immediately runnable.
	Delay time.Duration
	// Attempts is the maximum number of delivery attempts. Zero means 1.
	Attempts int
	// Backoff is the base delay between retries; it grows linearly with the
	// attempt count.
	Backoff time.Duration
}

// Stats is a read-only queue health snapshot for dashboards. It must not be
// used for control decisions.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Store is the delayed job queue contract consumed by the schedulers and the
// worker pools.
type Store interface {
	// Enqueue schedules a job. With Options.ID set, a live job under the same
	// identity is returned as-is (idempotent scheduling).
	Enqueue(ctx context.Context, queue, jobType string, payload []byte, opts Options) (*Job, error)

	// GetJob returns the live job with the given identity, or nil.
	GetJob(ctx context.Context, queue, id string) (*Job, error)

	// Remove cancels a live job. It returns false when no live job exists
	// under the identity; that is an expected outcome, not an error.
	Remove(ctx context.Context, queue, id string) (bool, error)

	// Reserve blocks up to wait for a due job and marks it active. A nil job
	// with nil error means the wait elapsed with nothing due.
	Reserve(ctx context.Context, queue string, wait time.Duration) (*Job, error)

	// Ack marks a reserved job as done and deletes it.
	Ack(ctx context.Context, job *Job) error

	// Fail records a failed attempt. The job is re-delayed with backoff until
	// its attempts are exhausted, then parked in the failed set.
	Fail(ctx context.Context, job *Job, cause error) error

	// Stats returns the queue health snapshot.
	Stats(ctx context.Context, queue string) (Stats, error)
}

// retryDelay computes the delay before the next attempt. Linear backoff is
// enough here; the policy-level timeout provides the real retry cadence.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(attempt)
}
