package interfaces

import (
	"context"

	"github.com/ternarybob/hearth/internal/models"
)

// CapabilityDetector reports the host's accelerator capability
type CapabilityDetector interface {
	// Snapshot returns the cached snapshot, or probes when the cache is stale or forceRefresh is set
	Snapshot(ctx context.Context, forceRefresh bool) *models.CapabilitySnapshot

	// CanRun answers from the latest snapshot without probing
	CanRun(requiredMB int) models.Admission
}
