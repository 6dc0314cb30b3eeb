package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/queue"
	"github.com/ternarybob/hearth/internal/services/jobs"
	"github.com/ternarybob/hearth/internal/services/scheduler"
	"github.com/ternarybob/hearth/internal/workers"
)

// maxBodyBytes bounds request bodies; job payloads are references, not media
const maxBodyBytes = 4 << 20

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// StatusForError maps service errors onto HTTP status codes
func StatusForError(err error) int {
	var (
		budgetErr  *workers.BudgetExceededError
		notReady   *jobs.NotReadyError
		startErr   *workers.StartupError
		queueErr   *jobs.QueueUnavailableError
		timeoutErr *jobs.ResultTimeoutError
	)

	switch {
	case errors.As(err, &budgetErr):
		return http.StatusConflict
	case errors.Is(err, workers.ErrUnknownWorker),
		errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, queue.ErrUnknownEntry),
		errors.Is(err, scheduler.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidSubmission):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobFinished), errors.Is(err, queue.ErrDuplicateJob):
		return http.StatusConflict
	case errors.As(err, &notReady), errors.As(err, &startErr), errors.As(err, &queueErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// WriteServiceError logs err and writes it with the mapped status code
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		logger.Error().Err(err).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("Request refused")
	}

	body := map[string]interface{}{
		"status": "error",
		"error":  err.Error(),
	}

	var queueErr *jobs.QueueUnavailableError
	if errors.As(err, &queueErr) {
		body["job_id"] = queueErr.JobID
	}
	var budgetErr *workers.BudgetExceededError
	if errors.As(err, &budgetErr) {
		body["shortfall_mb"] = budgetErr.ShortfallMB
	}

	WriteJSON(w, status, body)
}

// DecodeJSON decodes a bounded request body into v
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// QueryDuration parses a duration query parameter, accepting Go durations
// ("90s") or a bare number of seconds
func QueryDuration(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%s must not be negative", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}

// QueryInt parses an integer query parameter
func QueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
