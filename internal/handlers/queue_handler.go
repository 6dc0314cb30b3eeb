package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/queue"
	"github.com/ternarybob/hearth/internal/services/jobs"
)

// QueueHandler lets workers lease queued jobs and exposes queue diagnostics
type QueueHandler struct {
	queue       interfaces.JobQueue
	submissions *jobs.SubmissionService
	logger      arbor.ILogger
}

func NewQueueHandler(jobQueue interfaces.JobQueue, submissions *jobs.SubmissionService, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{queue: jobQueue, submissions: submissions, logger: logger}
}

// LeaseHandler hands the next visible entry to the caller and marks the job
// processing. An empty queue answers 204.
func (h *QueueHandler) LeaseHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := h.queue.Receive(r.Context())
	if errors.Is(err, queue.ErrNoMessage) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	if err := h.submissions.MarkProcessing(r.Context(), msg.ID); err != nil {
		// The lease stands; the status record may have expired
		h.logger.Warn().Err(err).Str("job_id", msg.ID).Msg("Failed to mark job processing")
	}

	h.logger.Debug().Str("job_id", msg.ID).Int("attempt", msg.Attempts).Msg("Job leased")
	WriteJSON(w, http.StatusOK, msg)
}

// StatsHandler returns queue occupancy
func (h *QueueHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// FailedHandler lists dead-lettered entries, newest first
func (h *QueueHandler) FailedHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := QueryInt(r, "limit", 50)
	if err != nil || limit <= 0 {
		WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := h.queue.ListFailed(r.Context(), limit)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"failed": records,
		"count":  len(records),
	})
}
