package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/services/jobs"
	"golang.org/x/time/rate"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local service; callers are on the same host
	},
}

// WSMessage is the frame envelope sent to WebSocket clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler streams a job's progress over a WebSocket. Progress
// frames are throttled per connection; the terminal frame is always sent.
type WebSocketHandler struct {
	submissions *jobs.SubmissionService
	results     *jobs.ResultService
	logger      arbor.ILogger
	instanceID  string
	throttle    time.Duration

	mu      sync.Mutex
	clients int
}

func NewWebSocketHandler(submissions *jobs.SubmissionService, results *jobs.ResultService, instanceID string, config *common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		submissions: submissions,
		results:     results,
		logger:      logger,
		instanceID:  instanceID,
		throttle:    common.ParseDuration(config.ProgressThrottle, 250*time.Millisecond),
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients
}

func (h *WebSocketHandler) newLimiter() *rate.Limiter {
	if h.throttle <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(h.throttle), 1)
}

// HandleWebSocket serves GET /api/jobs/{id}/ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients++
	h.mu.Unlock()
	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.Close()
		h.mu.Lock()
		h.clients--
		h.mu.Unlock()
		h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client disconnected")
	}()

	// Read messages from client; a read error means the client went away
	common.SafeGo(h.logger, "ws-reader-"+jobID, func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					h.logger.Warn().Err(err).Msg("WebSocket error")
				}
				return
			}
		}
	})

	stream, err := h.results.StreamProgress(ctx, jobID)
	if err != nil {
		h.send(conn, "error", map[string]string{"error": err.Error()})
		return
	}
	defer stream.Close()

	hello := map[string]interface{}{
		"server_instance_id": h.instanceID,
		"job_id":             jobID,
	}
	if err := h.send(conn, "hello", hello); err != nil {
		return
	}
	if err := h.send(conn, "status", record); err != nil {
		return
	}

	limiter := h.newLimiter()
	for item := range pumpStream(ctx, h.logger, stream) {
		switch {
		case item.progress != nil:
			if !limiter.Allow() {
				continue
			}
			if err := h.send(conn, "progress", item.progress); err != nil {
				return
			}
		case item.result != nil:
			if err := h.send(conn, "result", item.result); err != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
			return
		default:
			if item.err != nil && !errors.Is(item.err, context.Canceled) {
				h.send(conn, "error", map[string]string{"error": item.err.Error()})
			}
			return
		}
	}
}

// send writes one frame; only the handler goroutine writes to conn
func (h *WebSocketHandler) send(conn *websocket.Conn, msgType string, payload interface{}) error {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal WebSocket message")
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug().Err(err).Str("type", msgType).Msg("Failed to send WebSocket message")
		return err
	}
	return nil
}
