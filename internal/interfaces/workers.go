package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/hearth/internal/models"
)

// WorkerManager owns worker process lifecycle and the memory budget
type WorkerManager interface {
	Definition(id string) (models.WorkerDefinition, bool)
	Definitions() []models.WorkerDefinition

	EnsureReady(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	WaitUntilReady(ctx context.Context, id string, timeout time.Duration) error
	Stop(ctx context.Context, id string) error
	StopAll(ctx context.Context) error
	Restart(ctx context.Context, id string) error
	HealthCheck(ctx context.Context, id string) bool
	ResetState(ctx context.Context, id string) error
	SweepHealth(ctx context.Context) int

	Status(id string) (*models.WorkerStatus, error)
	Statuses() []models.WorkerStatus
	Budget(ctx context.Context) models.BudgetStatus
	ActiveMemoryUsage() string
	CheckBudget(ctx context.Context, id string) error
}
