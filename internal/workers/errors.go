package workers

import (
	"errors"
	"fmt"
)

// ErrUnknownWorker is returned for ids with no definition
var ErrUnknownWorker = errors.New("unknown worker")

// BudgetExceededError refuses a start or submission that would overcommit accelerator memory
type BudgetExceededError struct {
	WorkerID    string
	RequiredMB  int
	CommittedMB int
	CapacityMB  int
	ShortfallMB int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("insufficient accelerator memory for %s: needs %dMB, %dMB of %dMB committed (%dMB over); stop another worker first",
		e.WorkerID, e.RequiredMB, e.CommittedMB, e.CapacityMB, e.ShortfallMB)
}

// StartupReason classifies a failed start
type StartupReason string

const (
	StartupTimeout  StartupReason = "timeout"  // never became healthy in time
	StartupExited   StartupReason = "exited"   // process exited before becoming healthy
	StartupFailed   StartupReason = "failed"   // launch failed or the start was cancelled
	StartupTerminal StartupReason = "terminal" // worker is in the error state until reset
	StartupExternal StartupReason = "external" // externally managed worker is not reachable
)

// StartupError reports why a worker did not become ready
type StartupError struct {
	WorkerID string
	Reason   StartupReason
	Detail   string
}

func (e *StartupError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("worker %s startup %s", e.WorkerID, e.Reason)
	}
	return fmt.Sprintf("worker %s startup %s: %s", e.WorkerID, e.Reason, e.Detail)
}
