package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/hearth/internal/models"
)

// ErrNotFound is returned when a stored record does not exist or has expired
var ErrNotFound = errors.New("not found")

// JobStatusStore persists TTL-bound job status records
type JobStatusStore interface {
	SetStatus(ctx context.Context, record *models.JobStatusRecord, ttl time.Duration) error
	GetStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, error)
	DeleteStatus(ctx context.Context, jobID string) error
}
