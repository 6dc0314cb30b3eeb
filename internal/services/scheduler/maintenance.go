package scheduler

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
)

const (
	HealthSweepJob = "worker-health-sweep"
	QueuePruneJob  = "queue-prune"
)

// RegisterMaintenance registers the worker health sweep and queue retention tasks
func RegisterMaintenance(s *Service, workers interfaces.WorkerManager, queue interfaces.JobQueue, config *common.SchedulerConfig, logger arbor.ILogger) error {
	if err := s.RegisterJob(HealthSweepJob, config.HealthSchedule,
		"Probe ready workers and stop those that fail their health check",
		func(ctx context.Context) error {
			if dropped := workers.SweepHealth(ctx); dropped > 0 {
				logger.Info().Int("dropped", dropped).Msg("Health sweep released memory")
			}
			return nil
		}); err != nil {
		return fmt.Errorf("failed to register %s: %w", HealthSweepJob, err)
	}

	if err := s.RegisterJob(QueuePruneJob, config.PruneSchedule,
		"Fail jobs whose final lease expired, then drop finished queue entries past their retention",
		func(ctx context.Context) error {
			reaped, err := queue.ReapExpired(ctx)
			if err != nil {
				return err
			}
			if reaped > 0 {
				logger.Warn().Int("reaped", reaped).Msg("Queue dead-lettered expired leases")
			}

			removed, err := queue.Prune(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Queue retention pruned entries")
			}
			return nil
		}); err != nil {
		return fmt.Errorf("failed to register %s: %w", QueuePruneJob, err)
	}

	return nil
}
