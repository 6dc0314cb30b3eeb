package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/services/jobs"
)

const ssePingInterval = 15 * time.Second

// streamItem is one step read from a progress stream
type streamItem struct {
	progress *models.ProgressUpdate
	result   *models.JobResult
	err      error
}

// pumpStream reads the stream on its own goroutine so callers can select
// on it alongside pings and disconnects. The channel closes after the
// terminal result or an error.
func pumpStream(ctx context.Context, logger arbor.ILogger, stream *jobs.ProgressStream) <-chan streamItem {
	out := make(chan streamItem)
	common.SafeGo(logger, "progress-pump-"+stream.JobID(), func() {
		defer close(out)
		for {
			update, err := stream.Next(ctx)
			var item streamItem
			switch {
			case err == nil:
				item.progress = update
			case errors.Is(err, io.EOF):
				item.result = stream.Result()
			default:
				item.err = err
			}

			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
			if item.progress == nil {
				return
			}
		}
	})
	return out
}

// SSEHandler streams a job's progress as Server-Sent Events
type SSEHandler struct {
	submissions *jobs.SubmissionService
	results     *jobs.ResultService
	logger      arbor.ILogger
}

func NewSSEHandler(submissions *jobs.SubmissionService, results *jobs.ResultService, logger arbor.ILogger) *SSEHandler {
	return &SSEHandler{submissions: submissions, results: results, logger: logger}
}

type ssePing struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler emits "status" once, then "progress" events and a final
// "result" event (GET /api/jobs/{id}/events)
func (h *SSEHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.results.StreamProgress(ctx, jobID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.logger.Debug().Str("job_id", jobID).Msg("SSE progress subscriber attached")
	h.sendEvent(w, flusher, "status", record)

	items := pumpStream(ctx, h.logger, stream)
	pingTicker := time.NewTicker(ssePingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case item, ok := <-items:
			if !ok {
				return
			}
			switch {
			case item.progress != nil:
				h.sendEvent(w, flusher, "progress", item.progress)
				pingTicker.Reset(ssePingInterval)
			case item.result != nil:
				h.sendEvent(w, flusher, "result", item.result)
				return
			default:
				if item.err != nil && !errors.Is(item.err, context.Canceled) {
					h.sendEvent(w, flusher, "error", map[string]string{"error": item.err.Error()})
				}
				return
			}

		case <-pingTicker.C:
			h.sendEvent(w, flusher, "ping", ssePing{Timestamp: time.Now()})
		}
	}
}

// sendEvent writes an SSE event to the response
func (h *SSEHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal SSE event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}
