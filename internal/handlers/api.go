package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
)

type APIHandler struct {
	logger     arbor.ILogger
	instanceID string
	startedAt  time.Time
}

// NewAPIHandler creates the system handler. The instance id lets clients detect a restart.
func NewAPIHandler(logger arbor.ILogger) *APIHandler {
	return &APIHandler{
		logger:     logger,
		instanceID: uuid.New().String(),
		startedAt:  time.Now(),
	}
}

// InstanceID identifies this server process
func (h *APIHandler) InstanceID() string {
	return h.instanceID
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"server_instance_id": h.instanceID,
		"uptime_seconds":     int(time.Since(h.startedAt).Seconds()),
	})
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
