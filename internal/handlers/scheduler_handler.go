package handlers

import (
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/services/scheduler"
)

// SchedulerHandler exposes the maintenance tasks
type SchedulerHandler struct {
	scheduler *scheduler.Service
	logger    arbor.ILogger
}

func NewSchedulerHandler(schedulerService *scheduler.Service, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: schedulerService, logger: logger}
}

// ListHandler returns every task status
func (h *SchedulerHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"tasks":   h.scheduler.GetAllJobStatuses(),
	})
}

// ActionHandler runs trigger, enable or disable on a task
func (h *SchedulerHandler) ActionHandler(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	var err error
	switch action {
	case "trigger":
		err = h.scheduler.TriggerJob(name)
	case "enable":
		err = h.scheduler.EnableJob(name)
	case "disable":
		err = h.scheduler.DisableJob(name)
	default:
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	status, err := h.scheduler.GetJobStatus(name)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
