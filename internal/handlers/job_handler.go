package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/queue"
	"github.com/ternarybob/hearth/internal/services/jobs"
)

// JobHandler serves submission, status and result endpoints, plus the
// worker-side progress and completion callbacks
type JobHandler struct {
	submissions *jobs.SubmissionService
	results     *jobs.ResultService
	queue       interfaces.JobQueue
	logger      arbor.ILogger
}

func NewJobHandler(submissions *jobs.SubmissionService, results *jobs.ResultService, jobQueue interfaces.JobQueue, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		submissions: submissions,
		results:     results,
		queue:       jobQueue,
		logger:      logger,
	}
}

type submitBody struct {
	WorkerID       string          `json:"worker_id"`
	Payload        json.RawMessage `json:"payload"`
	Priority       models.Priority `json:"priority,omitempty"`
	WaitForReady   *bool           `json:"wait_for_ready,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

type progressBody struct {
	Progress int    `json:"progress"`
	Stage    string `json:"stage,omitempty"`
	Message  string `json:"message,omitempty"`
}

type completeBody struct {
	Data       json.RawMessage `json:"data,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

type failBody struct {
	Error      *models.JobError `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms"`
}

// SubmitHandler admits and enqueues a job (POST /api/jobs)
func (h *JobHandler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.TimeoutSeconds < 0 {
		WriteError(w, http.StatusBadRequest, "timeout_seconds must not be negative")
		return
	}

	result, err := h.submissions.Submit(r.Context(), jobs.SubmitRequest{
		WorkerID:     body.WorkerID,
		Payload:      body.Payload,
		Priority:     body.Priority,
		WaitForReady: body.WaitForReady,
		Timeout:      time.Duration(body.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, result)
}

// GetHandler returns the status record of a job (GET /api/jobs/{id})
func (h *JobHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	record, err := h.submissions.GetJobStatus(r.Context(), jobID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if record == nil {
		WriteServiceError(w, h.logger, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID))
		return
	}
	WriteJSON(w, http.StatusOK, record)
}

// ResultHandler blocks until the job's terminal message or the timeout
// (GET /api/jobs/{id}/result?timeout=)
func (h *JobHandler) ResultHandler(w http.ResponseWriter, r *http.Request) {
	timeout, err := QueryDuration(r, "timeout", 0)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.results.AwaitResult(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// ProgressHandler records a progress report from a worker
func (h *JobHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	var body progressBody
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := h.submissions.ReportProgress(r.Context(), models.ProgressUpdate{
		JobID:    r.PathValue("id"),
		Progress: body.Progress,
		Stage:    body.Stage,
		Message:  body.Message,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteSuccess(w, "progress recorded")
}

// CompleteHandler records a successful result and completes the queue entry
func (h *JobHandler) CompleteHandler(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := r.PathValue("id")
	err := h.submissions.ReportResult(r.Context(), models.JobResult{
		JobID:      jobID,
		Status:     models.JobStatusCompleted,
		Data:       body.Data,
		DurationMs: body.DurationMs,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	h.finishEntry(r, jobID, h.queue.Complete(r.Context(), jobID))
	WriteSuccess(w, "job completed")
}

// FailHandler records a failed attempt. The entry is redelivered while it
// has attempts left; after the last one the failure becomes the job result.
func (h *JobHandler) FailHandler(w http.ResponseWriter, r *http.Request) {
	var body failBody
	if err := DecodeJSON(w, r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := r.PathValue("id")
	reason := "job failed"
	if body.Error != nil && body.Error.Message != "" {
		reason = body.Error.Message
	}

	retrying, err := h.queue.Fail(r.Context(), jobID, reason)
	if err != nil && !errors.Is(err, queue.ErrUnknownEntry) {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.finishEntry(r, jobID, err)

	if retrying {
		if err := h.submissions.Requeue(r.Context(), jobID, reason); err != nil {
			WriteServiceError(w, h.logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "success",
			"retrying": true,
		})
		return
	}

	err = h.submissions.ReportResult(r.Context(), models.JobResult{
		JobID:      jobID,
		Status:     models.JobStatusFailed,
		Error:      body.Error,
		DurationMs: body.DurationMs,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"retrying": false,
	})
}

// finishEntry logs a queue entry that could not be settled; the lease may
// have expired and been redelivered already
func (h *JobHandler) finishEntry(r *http.Request, jobID string, err error) {
	if err == nil {
		return
	}
	h.logger.Warn().Err(err).Str("job_id", jobID).Str("path", r.URL.Path).Msg("Queue entry not settled")
}
