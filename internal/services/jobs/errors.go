package jobs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSubmission wraps request validation failures
	ErrInvalidSubmission = errors.New("invalid job submission")

	// ErrJobNotFound is returned when a job has no status record
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished rejects updates to a job that already reached a terminal state
	ErrJobFinished = errors.New("job already finished")

	// ErrServiceClosed is returned after the result service has been closed
	ErrServiceClosed = errors.New("result service closed")

	// ErrStreamClosed is returned by Next after Close
	ErrStreamClosed = errors.New("progress stream closed")
)

// NotReadyError means the target worker could not be made ready in time.
// Nothing was written to the queue or the status store.
type NotReadyError struct {
	WorkerID string
	Err      error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("worker %s is not ready: %v", e.WorkerID, e.Err)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// QueueUnavailableError means the enqueue failed; no status record exists for JobID
type QueueUnavailableError struct {
	JobID string
	Err   error
}

func (e *QueueUnavailableError) Error() string {
	return fmt.Sprintf("failed to enqueue job %s: %v", e.JobID, e.Err)
}

func (e *QueueUnavailableError) Unwrap() error { return e.Err }

// ResultTimeoutError means no terminal message arrived before the deadline
type ResultTimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *ResultTimeoutError) Error() string {
	return fmt.Sprintf("no result for job %s within %s", e.JobID, e.Timeout)
}
