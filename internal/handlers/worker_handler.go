package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/workers"
)

// WorkerHandler exposes worker status and lifecycle control
type WorkerHandler struct {
	workers interfaces.WorkerManager
	logger  arbor.ILogger
}

func NewWorkerHandler(workerManager interfaces.WorkerManager, logger arbor.ILogger) *WorkerHandler {
	return &WorkerHandler{workers: workerManager, logger: logger}
}

type workerListResponse struct {
	Workers           []models.WorkerStatus `json:"workers"`
	Budget            models.BudgetStatus   `json:"budget"`
	ActiveMemoryUsage string                `json:"active_memory_usage"`
}

// ListHandler returns every worker's status with the memory ledger
func (h *WorkerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, workerListResponse{
		Workers:           h.workers.Statuses(),
		Budget:            h.workers.Budget(r.Context()),
		ActiveMemoryUsage: h.workers.ActiveMemoryUsage(),
	})
}

// GetHandler returns one worker's status
func (h *WorkerHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.workers.Status(r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// ActionHandler runs start, stop, restart or reset on a worker
func (h *WorkerHandler) ActionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	action := r.PathValue("action")
	ctx := r.Context()

	var err error
	switch action {
	case "start":
		err = h.workers.Start(ctx, id)
	case "stop":
		err = h.workers.Stop(ctx, id)
	case "restart":
		err = h.workers.Restart(ctx, id)
	case "reset":
		err = h.workers.ResetState(ctx, id)
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}

	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	status, err := h.workers.Status(id)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	h.logger.Info().Str("worker", id).Str("action", action).Str("state", string(status.State)).Msg("Worker action completed")
	WriteJSON(w, http.StatusOK, status)
}

// BudgetHandler checks whether a worker fits the memory budget right now
func (h *WorkerHandler) BudgetHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.workers.Definition(id); !ok {
		WriteServiceError(w, h.logger, fmt.Errorf("%w: %s", workers.ErrUnknownWorker, id))
		return
	}

	response := map[string]interface{}{
		"worker_id": id,
		"allowed":   true,
		"budget":    h.workers.Budget(r.Context()),
	}
	if err := h.workers.CheckBudget(r.Context(), id); err != nil {
		response["allowed"] = false
		response["reason"] = err.Error()
	}
	WriteJSON(w, http.StatusOK, response)
}
