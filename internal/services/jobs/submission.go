// -----------------------------------------------------------------------
// Submission Service - Admission control and enqueueing of jobs
// -----------------------------------------------------------------------

package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/tracing"
	"github.com/ternarybob/hearth/internal/workers"
)

// SubmitRequest is a caller's request to run a job on a worker
type SubmitRequest struct {
	WorkerID     string          `json:"worker_id" validate:"required"`
	Payload      json.RawMessage `json:"payload" validate:"required"`
	Priority     models.Priority `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	WaitForReady *bool           `json:"wait_for_ready,omitempty"` // nil means true
	Timeout      time.Duration   `json:"-"`                        // Ready wait; zero uses the configured default
}

// SubmitResult acknowledges an accepted job
type SubmitResult struct {
	JobID                string           `json:"job_id"`
	Status               models.JobStatus `json:"status"`
	EstimatedWait        time.Duration    `json:"-"`
	EstimatedWaitSeconds int              `json:"estimated_wait_seconds"`
}

// SubmissionService admits jobs against worker readiness and the memory
// budget, then hands them to the durable queue
type SubmissionService struct {
	workers  interfaces.WorkerManager
	queue    interfaces.JobQueue
	statuses interfaces.JobStatusStore
	events   interfaces.PubSub
	logger   arbor.ILogger
	validate *validator.Validate
	now      func() time.Time
	locks    jobLocks

	statusTTL    time.Duration
	readyTimeout time.Duration
	serviceTime  time.Duration
}

// NewSubmissionService creates a submission service
func NewSubmissionService(
	workerManager interfaces.WorkerManager,
	queue interfaces.JobQueue,
	statuses interfaces.JobStatusStore,
	events interfaces.PubSub,
	config *common.JobsConfig,
	logger arbor.ILogger,
) *SubmissionService {
	return &SubmissionService{
		workers:      workerManager,
		queue:        queue,
		statuses:     statuses,
		events:       events,
		logger:       logger,
		validate:     validator.New(),
		now:          time.Now,
		statusTTL:    common.ParseDuration(config.StatusTTL, time.Hour),
		readyTimeout: common.ParseDuration(config.ReadyTimeout, 30*time.Second),
		serviceTime:  common.ParseDuration(config.AverageServiceTime, 5*time.Second),
	}
}

// Submit admits and enqueues a job. Admission failures leave no trace in
// the queue or the status store; a queued status is only ever written
// after the queue accepted the entry.
func (s *SubmissionService) Submit(ctx context.Context, req SubmitRequest) (result *SubmitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "jobs.Submit")
	span.WithAttributes(map[string]string{"worker.id": req.WorkerID})
	defer func() { tracing.EndSpan(span, err) }()

	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	if !isJSONObject(req.Payload) {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidSubmission)
	}

	def, ok := s.workers.Definition(req.WorkerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", workers.ErrUnknownWorker, req.WorkerID)
	}

	if req.WaitForReady == nil || *req.WaitForReady {
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = s.readyTimeout
		}

		readyCtx, cancel := context.WithTimeout(ctx, timeout)
		err := s.workers.EnsureReady(readyCtx, def.ID)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("worker", def.ID).Msg("Job refused, worker not ready")
			return nil, &NotReadyError{WorkerID: def.ID, Err: err}
		}
	}

	if err := s.workers.CheckBudget(ctx, def.ID); err != nil {
		s.logger.Warn().Err(err).Str("worker", def.ID).Msg("Job refused, memory budget exceeded")
		return nil, err
	}

	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	now := s.now()
	submission := models.JobSubmission{
		ID:        common.NewJobID(),
		WorkerID:  def.ID,
		ModelID:   def.ModelID,
		Payload:   req.Payload,
		Priority:  priority,
		CreatedAt: now,
	}
	span.WithAttributes(map[string]string{"job.id": submission.ID})

	body, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job submission: %w", err)
	}

	if err := s.queue.Enqueue(ctx, def.ID, body, interfaces.EnqueueOptions{
		Priority: priority.QueueValue(),
		JobID:    submission.ID,
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", submission.ID).Msg("Failed to enqueue job")
		return nil, &QueueUnavailableError{JobID: submission.ID, Err: err}
	}

	record := &models.JobStatusRecord{
		JobID:     submission.ID,
		WorkerID:  def.ID,
		Status:    models.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.writeQueued(ctx, record)

	waiting, err := s.queue.WaitingCount(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Waiting count unavailable, estimate omitted")
		waiting = 0
	}
	estimate := time.Duration(waiting) * s.serviceTime

	s.logger.Info().
		Str("job_id", submission.ID).
		Str("worker", def.ID).
		Str("priority", string(priority)).
		Int("waiting", waiting).
		Msg("Job queued")

	return &SubmitResult{
		JobID:                submission.ID,
		Status:               models.JobStatusQueued,
		EstimatedWait:        estimate,
		EstimatedWaitSeconds: int(estimate / time.Second),
	}, nil
}

// writeQueued stores the initial record unless a consumer already leased
// the job and wrote a newer one
func (s *SubmissionService) writeQueued(ctx context.Context, record *models.JobStatusRecord) {
	defer s.locks.lock(record.JobID)()

	if existing, err := s.statuses.GetStatus(ctx, record.JobID); err == nil && existing != nil {
		s.logger.Debug().Str("job_id", record.JobID).Str("status", string(existing.Status)).Msg("Job already picked up, queued status skipped")
		return
	}
	if err := s.statuses.SetStatus(ctx, record, s.statusTTL); err != nil {
		// The job is queued regardless; only status reads are affected
		s.logger.Warn().Err(err).Str("job_id", record.JobID).Msg("Failed to write queued status")
	}
}

// GetJobStatus returns the job's status record, or nil when it does not exist or has expired
func (s *SubmissionService) GetJobStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	record, err := s.statuses.GetStatus(ctx, jobID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status for job %s: %w", jobID, err)
	}
	return record, nil
}

// loadRecord returns the stored record or a fresh one when it has expired
func (s *SubmissionService) loadRecord(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	record, err := s.GetJobStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		now := s.now()
		record = &models.JobStatusRecord{JobID: jobID, CreatedAt: now}
	}
	return record, nil
}

// MarkProcessing records that a consumer picked the job up
func (s *SubmissionService) MarkProcessing(ctx context.Context, jobID string) error {
	defer s.locks.lock(jobID)()

	record, err := s.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	}

	now := s.now()
	record.Status = models.JobStatusProcessing
	record.Stage = "processing"
	record.UpdatedAt = now
	if record.StartedAt == nil {
		record.StartedAt = &now
	}
	if err := s.statuses.SetStatus(ctx, record, s.statusTTL); err != nil {
		return fmt.Errorf("failed to write status for job %s: %w", jobID, err)
	}

	return s.publish(ctx, ProgressChannel(jobID), &models.ProgressUpdate{
		JobID:     jobID,
		Progress:  record.Progress,
		Stage:     record.Stage,
		Message:   "Job started",
		Timestamp: now,
	})
}

// ReportProgress stores and publishes a progress update. Progress is clamped to 0-100.
func (s *SubmissionService) ReportProgress(ctx context.Context, update models.ProgressUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	defer s.locks.lock(update.JobID)()

	record, err := s.loadRecord(ctx, update.JobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, update.JobID)
	}

	now := s.now()
	update.Progress = clampProgress(update.Progress)
	if update.Timestamp.IsZero() {
		update.Timestamp = now
	}

	record.Status = models.JobStatusProcessing
	record.Progress = update.Progress
	if update.Stage != "" {
		record.Stage = update.Stage
	}
	record.UpdatedAt = now
	if record.StartedAt == nil {
		record.StartedAt = &now
	}
	if err := s.statuses.SetStatus(ctx, record, s.statusTTL); err != nil {
		return fmt.Errorf("failed to write status for job %s: %w", update.JobID, err)
	}

	return s.publish(ctx, ProgressChannel(update.JobID), &update)
}

// Requeue records that a failed delivery will be retried by the queue
func (s *SubmissionService) Requeue(ctx context.Context, jobID, reason string) error {
	defer s.locks.lock(jobID)()

	record, err := s.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	}

	now := s.now()
	record.Status = models.JobStatusQueued
	record.Stage = "retrying"
	record.Error = reason
	record.UpdatedAt = now
	if err := s.statuses.SetStatus(ctx, record, s.statusTTL); err != nil {
		return fmt.Errorf("failed to write status for job %s: %w", jobID, err)
	}

	return s.publish(ctx, ProgressChannel(jobID), &models.ProgressUpdate{
		JobID:     jobID,
		Progress:  record.Progress,
		Stage:     record.Stage,
		Message:   "Retrying after failure: " + reason,
		Timestamp: now,
	})
}

// ReportResult stores the terminal result and then publishes it, so an
// awaiter that subscribes late still finds it in the status store
func (s *SubmissionService) ReportResult(ctx context.Context, result models.JobResult) error {
	if result.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if !result.Status.IsTerminal() {
		return fmt.Errorf("result status must be completed or failed, got %q", result.Status)
	}
	if result.Status == models.JobStatusFailed && result.Error == nil {
		result.Error = &models.JobError{Code: "JOB_FAILED", Message: "job failed"}
	}
	defer s.locks.lock(result.JobID)()

	record, err := s.loadRecord(ctx, result.JobID)
	if err != nil {
		return err
	}
	if record.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrJobFinished, result.JobID)
	}

	now := s.now()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	if result.DurationMs == 0 && record.StartedAt != nil {
		result.DurationMs = result.CompletedAt.Sub(*record.StartedAt).Milliseconds()
	}

	record.Status = result.Status
	record.UpdatedAt = now
	record.CompletedAt = &result.CompletedAt
	record.Result = &result
	if result.Status == models.JobStatusCompleted {
		record.Progress = 100
		record.Stage = "completed"
	} else {
		record.Stage = "failed"
		record.Error = result.Error.Message
	}
	if err := s.statuses.SetStatus(ctx, record, s.statusTTL); err != nil {
		return fmt.Errorf("failed to write status for job %s: %w", result.JobID, err)
	}

	s.logger.Info().
		Str("job_id", result.JobID).
		Str("status", string(result.Status)).
		Int64("duration_ms", result.DurationMs).
		Msg("Job finished")

	return s.publish(ctx, ResultChannel(result.JobID), &result)
}

// HandleDeadLetter fails a job whose queue entry was dead-lettered without a
// consumer reporting it, so awaiters and streams still see a terminal result
func (s *SubmissionService) HandleDeadLetter(ctx context.Context, msg models.QueueMessage, reason string) {
	err := s.ReportResult(ctx, models.JobResult{
		JobID:  msg.ID,
		Status: models.JobStatusFailed,
		Error:  &models.JobError{Code: "LEASE_EXPIRED", Message: reason},
	})
	if err != nil && !errors.Is(err, ErrJobFinished) {
		s.logger.Warn().Err(err).Str("job_id", msg.ID).Msg("Failed to report dead-lettered job")
	}
}

func (s *SubmissionService) publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", channel, err)
	}
	if err := s.events.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
