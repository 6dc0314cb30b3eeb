package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// ErrTaskNotFound is returned for names that were never registered
var ErrTaskNotFound = errors.New("scheduled task not found")

// Handler is a scheduled task. The context is cancelled when the scheduler stops.
type Handler func(ctx context.Context) error

// JobStatus is the runtime status of a scheduled task
type JobStatus struct {
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	IsRunning   bool       `json:"is_running"`
	LastError   string     `json:"last_error,omitempty"`
}

// jobEntry represents a registered task with metadata
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     Handler
	enabled     bool
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
}

// Service runs maintenance tasks on cron schedules
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc

	jobMu   sync.Mutex // Protects jobs map
	jobs    map[string]*jobEntry
	running bool
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobEntry),
	}
}

// ValidateSchedule checks a standard 5-field cron expression or descriptor such as "@every 30s"
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// Start begins running registered tasks
func (s *Service) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Int("tasks", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the schedule and waits for running tasks to return
func (s *Service) Stop() error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// RegisterJob registers a task under a unique name
func (s *Service) RegisterJob(name, schedule, description string, handler Handler) error {
	if err := ValidateSchedule(schedule); err != nil {
		return err
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
		enabled:     true,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}

	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")

	return nil
}

// EnableJob enables a disabled job
func (s *Service) EnableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if entry.enabled {
		return nil
	}

	cronID, err := s.cron.AddFunc(entry.schedule, func() {
		s.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}

	entry.cronID = cronID
	entry.enabled = true

	s.logger.Info().Str("job_name", name).Msg("Job enabled")
	return nil
}

// DisableJob disables an enabled job
func (s *Service) DisableJob(name string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if !entry.enabled {
		return nil
	}

	s.cron.Remove(entry.cronID)
	entry.enabled = false

	s.logger.Info().Str("job_name", name).Msg("Job disabled")
	return nil
}

// TriggerJob runs a job immediately, outside its schedule
func (s *Service) TriggerJob(name string) error {
	s.jobMu.Lock()
	_, exists := s.jobs[name]
	s.jobMu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	s.executeJob(name)
	return nil
}

// GetJobStatus returns the status of a specific job
func (s *Service) GetJobStatus(name string) (*JobStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}

	var nextRun *time.Time
	if entry.enabled && s.running {
		next := s.cron.Entry(entry.cronID).Next
		if !next.IsZero() {
			nextRun = &next
		}
	}

	return &JobStatus{
		Name:        entry.name,
		Enabled:     entry.enabled,
		Schedule:    entry.schedule,
		Description: entry.description,
		LastRun:     entry.lastRun,
		NextRun:     nextRun,
		IsRunning:   entry.isRunning,
		LastError:   entry.lastError,
	}, nil
}

// GetAllJobStatuses returns every job status ordered by name
func (s *Service) GetAllJobStatuses() []*JobStatus {
	s.jobMu.Lock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.jobMu.Unlock()

	sort.Strings(names)
	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		if status, err := s.GetJobStatus(name); err == nil {
			statuses = append(statuses, status)
		}
	}
	return statuses
}

// executeJob wraps execution with overlap protection, panic recovery and status tracking
func (s *Service) executeJob(name string) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		s.logger.Warn().Str("job_name", name).Msg("Job not found")
		return
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("Previous run still in progress, skipping")
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	start := time.Now()
	err := s.runHandler(name, handler)

	completed := time.Now()
	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &completed
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().
			Str("job_name", name).
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("Job execution failed")
		return
	}
	s.logger.Debug().
		Str("job_name", name).
		Dur("duration", time.Since(start)).
		Msg("Job execution completed")
}

func (s *Service) runHandler(name string, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in job execution")
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return handler(s.ctx)
}
