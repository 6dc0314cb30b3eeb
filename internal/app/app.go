// -----------------------------------------------------------------------
// Application - composition root for the hearth orchestrator
// -----------------------------------------------------------------------

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/handlers"
	"github.com/ternarybob/hearth/internal/hardware"
	"github.com/ternarybob/hearth/internal/queue"
	"github.com/ternarybob/hearth/internal/services/events"
	"github.com/ternarybob/hearth/internal/services/jobs"
	"github.com/ternarybob/hearth/internal/services/scheduler"
	"github.com/ternarybob/hearth/internal/storage"
	"github.com/ternarybob/hearth/internal/storage/badger"
	"github.com/ternarybob/hearth/internal/tracing"
	"github.com/ternarybob/hearth/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager *badger.Manager
	Queue          *queue.BadgerManager
	EventService   *events.Service

	// Hardware and worker lifecycle
	Detector *hardware.Detector
	Registry *workers.Registry
	Workers  *workers.Manager

	// Job admission and result delivery
	Submissions *jobs.SubmissionService
	Results     *jobs.ResultService

	SchedulerService *scheduler.Service

	// HTTP handlers
	APIHandler       *handlers.APIHandler
	HardwareHandler  *handlers.HardwareHandler
	WorkerHandler    *handlers.WorkerHandler
	JobHandler       *handlers.JobHandler
	QueueHandler     *handlers.QueueHandler
	SSEHandler       *handlers.SSEHandler
	WSHandler        *handlers.WebSocketHandler
	SchedulerHandler *handlers.SchedulerHandler

	tracingEnabled bool
	closeOnce      sync.Once
	closeErr       error
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.Init("hearth", common.GetVersion(), cfg.Tracing.Output); err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without spans")
		} else {
			app.tracingEnabled = true
		}
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	app.initHandlers()

	if cfg.Scheduler.Enabled {
		if err := app.SchedulerService.Start(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	logger.Info().
		Int("workers", len(app.Registry.All())).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Bool("tracing_enabled", app.tracingEnabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger) and the queue living in it
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	jobQueue, err := queue.NewBadgerManager(storageManager.DB().Store(), queue.NewConfig(a.Config.Queue), a.Logger)
	if err != nil {
		storageManager.Close()
		return fmt.Errorf("failed to create queue: %w", err)
	}
	a.Queue = jobQueue

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("queue", jobQueue.Name()).
		Msg("Storage layer initialized")

	return nil
}

// initServices wires detector, worker manager, job services and the scheduler
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	a.Detector = hardware.NewDetector(a.Logger, &a.Config.Hardware, hardware.Options{})

	registry, err := workers.NewRegistry(
		workers.DefaultDefinitions(a.Config.Workers.Python, a.Config.Workers.ScriptsDir),
		a.Config.Workers.Overrides,
	)
	if err != nil {
		return fmt.Errorf("failed to build worker registry: %w", err)
	}
	a.Registry = registry

	a.Workers = workers.NewManager(a.Logger, registry, a.Detector, &a.Config.Workers, workers.Options{})

	a.Submissions = jobs.NewSubmissionService(
		a.Workers,
		a.Queue,
		a.StorageManager.StatusStore(),
		a.EventService,
		&a.Config.Jobs,
		a.Logger,
	)
	a.Queue.SetDeadLetterHandler(a.Submissions.HandleDeadLetter)
	a.Results = jobs.NewResultService(a.EventService, a.StorageManager.StatusStore(), &a.Config.Jobs, a.Logger)

	a.SchedulerService = scheduler.NewService(a.Logger)
	if err := scheduler.RegisterMaintenance(a.SchedulerService, a.Workers, a.Queue, &a.Config.Scheduler, a.Logger); err != nil {
		return err
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.HardwareHandler = handlers.NewHardwareHandler(a.Detector, a.Logger)
	a.WorkerHandler = handlers.NewWorkerHandler(a.Workers, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Submissions, a.Results, a.Queue, a.Logger)
	a.QueueHandler = handlers.NewQueueHandler(a.Queue, a.Submissions, a.Logger)
	a.SSEHandler = handlers.NewSSEHandler(a.Submissions, a.Results, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Submissions, a.Results, a.APIHandler.InstanceID(), &a.Config.WebSocket, a.Logger)
	a.SchedulerHandler = handlers.NewSchedulerHandler(a.SchedulerService, a.Logger)
}

// Close stops every worker hearth spawned and releases storage.
// Workers are stopped before storage closes so exit accounting can still log.
// Only the first call has an effect.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close()
	})
	return a.closeErr
}

func (a *App) close() error {
	var errs []error

	if a.SchedulerService != nil && a.SchedulerService.IsRunning() {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
			errs = append(errs, err)
		}
	}

	if a.Workers != nil {
		timeout := common.ParseDuration(a.Config.Workers.StopGracePeriod, 5*time.Second) + 5*time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := a.Workers.StopAll(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop all workers")
			errs = append(errs, err)
		} else {
			a.Logger.Info().Msg("All workers stopped")
		}
		cancel()
	}

	if a.Results != nil {
		a.Results.Close()
	}

	if a.EventService != nil {
		a.EventService.Close()
	}

	if a.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush traces")
		}
		cancel()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			errs = append(errs, err)
		} else {
			a.Logger.Info().Msg("Storage closed")
		}
	}

	return errors.Join(errs...)
}
