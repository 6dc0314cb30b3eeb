package interfaces

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/hearth/internal/models"
)

// EnqueueOptions controls how a job is placed on the queue
type EnqueueOptions struct {
	Priority int    // Lower value is dequeued first
	JobID    string // Queue entry id; must be unique
}

// JobQueue is the durable priority queue collaborator
type JobQueue interface {
	Enqueue(ctx context.Context, name string, body json.RawMessage, opts EnqueueOptions) error
	WaitingCount(ctx context.Context) (int, error)

	// Receive leases the next visible entry; returns ErrNoMessage when none is ready
	Receive(ctx context.Context) (*models.QueueMessage, error)
	Complete(ctx context.Context, id string) error

	// Fail records a failed delivery. retrying is false once the entry has
	// been moved to the failed (dead-letter) set.
	Fail(ctx context.Context, id string, reason string) (retrying bool, err error)

	// ReapExpired dead-letters entries whose final lease has expired
	ReapExpired(ctx context.Context) (int, error)

	ListFailed(ctx context.Context, limit int) ([]models.QueueRecord, error)
	Prune(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}
