package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
)

// HardwareHandler reports accelerator capability
type HardwareHandler struct {
	detector interfaces.CapabilityDetector
	logger   arbor.ILogger
}

func NewHardwareHandler(detector interfaces.CapabilityDetector, logger arbor.ILogger) *HardwareHandler {
	return &HardwareHandler{detector: detector, logger: logger}
}

// GetHandler returns the capability snapshot; ?refresh=true forces a probe
func (h *HardwareHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	refresh := r.URL.Query().Get("refresh") == "true"
	snapshot := h.detector.Snapshot(r.Context(), refresh)
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"capability": snapshot,
		"device":     snapshot.Device(),
	})
}

// CanRunHandler answers whether memory_mb fits the latest snapshot
func (h *HardwareHandler) CanRunHandler(w http.ResponseWriter, r *http.Request) {
	required, err := QueryInt(r, "memory_mb", 0)
	if err != nil || required < 0 {
		WriteError(w, http.StatusBadRequest, "memory_mb must be a non-negative integer")
		return
	}
	WriteJSON(w, http.StatusOK, h.detector.CanRun(required))
}
