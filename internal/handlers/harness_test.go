package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/ternarybob/hearth/internal/queue"
	"github.com/ternarybob/hearth/internal/services/events"
	"github.com/ternarybob/hearth/internal/services/jobs"
	"github.com/ternarybob/hearth/internal/storage/badger"
	"github.com/ternarybob/hearth/internal/workers"
)

type fakeWorkers struct {
	mu        sync.Mutex
	defs      map[string]models.WorkerDefinition
	states    map[string]models.WorkerState
	budgetErr error
	actions   []string
}

func newFakeWorkers(defs ...models.WorkerDefinition) *fakeWorkers {
	f := &fakeWorkers{
		defs:   make(map[string]models.WorkerDefinition),
		states: make(map[string]models.WorkerState),
	}
	for _, def := range defs {
		f.defs[def.ID] = def
		f.states[def.ID] = models.WorkerStateStopped
	}
	return f
}

func (f *fakeWorkers) Definition(id string) (models.WorkerDefinition, bool) {
	def, ok := f.defs[id]
	return def, ok
}

func (f *fakeWorkers) Definitions() []models.WorkerDefinition {
	out := make([]models.WorkerDefinition, 0, len(f.defs))
	for _, def := range f.defs {
		out = append(out, def)
	}
	return out
}

func (f *fakeWorkers) record(action, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return workers.ErrUnknownWorker
	}
	f.actions = append(f.actions, action+":"+id)
	switch action {
	case "start", "restart":
		f.states[id] = models.WorkerStateReady
	default:
		f.states[id] = models.WorkerStateStopped
	}
	return nil
}

func (f *fakeWorkers) EnsureReady(ctx context.Context, id string) error { return nil }
func (f *fakeWorkers) Start(ctx context.Context, id string) error       { return f.record("start", id) }
func (f *fakeWorkers) Stop(ctx context.Context, id string) error        { return f.record("stop", id) }
func (f *fakeWorkers) Restart(ctx context.Context, id string) error     { return f.record("restart", id) }
func (f *fakeWorkers) ResetState(ctx context.Context, id string) error  { return f.record("reset", id) }
func (f *fakeWorkers) StopAll(ctx context.Context) error                { return nil }
func (f *fakeWorkers) SweepHealth(ctx context.Context) int              { return 0 }

func (f *fakeWorkers) WaitUntilReady(ctx context.Context, id string, timeout time.Duration) error {
	return nil
}

func (f *fakeWorkers) HealthCheck(ctx context.Context, id string) bool { return true }

func (f *fakeWorkers) Status(id string) (*models.WorkerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	def, ok := f.defs[id]
	if !ok {
		return nil, workers.ErrUnknownWorker
	}
	state := f.states[id]
	return &models.WorkerStatus{
		ID:          id,
		Label:       def.Label,
		State:       state,
		IsRunning:   state == models.WorkerStateReady,
		MemoryMB:    def.MemoryMB,
		MemoryLabel: def.MemoryLabel(),
	}, nil
}

func (f *fakeWorkers) Statuses() []models.WorkerStatus {
	var out []models.WorkerStatus
	for id := range f.defs {
		status, _ := f.Status(id)
		out = append(out, *status)
	}
	return out
}

func (f *fakeWorkers) Budget(ctx context.Context) models.BudgetStatus {
	return models.BudgetStatus{CapacityMB: 24576, AvailableMB: 24576, Allocations: map[string]int{}}
}

func (f *fakeWorkers) ActiveMemoryUsage() string { return "0GB" }

func (f *fakeWorkers) CheckBudget(ctx context.Context, id string) error {
	return f.budgetErr
}

type fakeDetector struct {
	snapshot  *models.CapabilitySnapshot
	refreshes int
}

func (d *fakeDetector) Snapshot(ctx context.Context, forceRefresh bool) *models.CapabilitySnapshot {
	if forceRefresh {
		d.refreshes++
	}
	return d.snapshot
}

func (d *fakeDetector) CanRun(requiredMB int) models.Admission {
	if requiredMB > d.snapshot.AvailableMemoryMB {
		return models.Admission{Allowed: false, Reason: "not enough memory", Device: d.snapshot.Device()}
	}
	return models.Admission{Allowed: true, Device: d.snapshot.Device()}
}

type testEnv struct {
	workers     *fakeWorkers
	queue       *queue.BadgerManager
	events      *events.Service
	submissions *jobs.SubmissionService
	results     *jobs.ResultService
	api         *APIHandler
	server      *httptest.Server
}

func testWorkerDefinition(id string, memMB int) models.WorkerDefinition {
	return models.WorkerDefinition{
		ID:             id,
		Label:          id,
		Command:        "python",
		Port:           9100,
		HealthPath:     "/health",
		StartupTimeout: time.Second,
		MemoryMB:       memMB,
		ModelID:        "facebook/" + id,
	}
}

func newTestEnv(t *testing.T, queueAttempts int) *testEnv {
	t.Helper()
	return newTestEnvWithQueue(t, func(c *queue.Config) { c.Attempts = queueAttempts })
}

func newTestEnvWithQueue(t *testing.T, mutate func(*queue.Config)) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()
	config := common.NewDefaultConfig()

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	queueConfig := queue.NewConfig(config.Queue)
	queueConfig.Backoff = time.Millisecond
	mutate(&queueConfig)
	jobQueue, err := queue.NewBadgerManager(storage.DB().Store(), queueConfig, logger)
	require.NoError(t, err)

	broker := events.NewService(logger)
	t.Cleanup(func() { broker.Close() })

	env := &testEnv{
		workers: newFakeWorkers(testWorkerDefinition("sam2", 8192)),
		queue:   jobQueue,
		events:  broker,
		api:     NewAPIHandler(logger),
	}
	env.submissions = jobs.NewSubmissionService(env.workers, jobQueue, storage.StatusStore(), broker, &config.Jobs, logger)
	jobQueue.SetDeadLetterHandler(env.submissions.HandleDeadLetter)
	env.results = jobs.NewResultService(broker, storage.StatusStore(), &config.Jobs, logger)
	t.Cleanup(func() { env.results.Close() })

	detector := &fakeDetector{snapshot: &models.CapabilitySnapshot{
		TotalMemoryMB:     24576,
		AvailableMemoryMB: 20480,
		HasCUDA:           true,
	}}

	jobHandler := NewJobHandler(env.submissions, env.results, jobQueue, logger)
	queueHandler := NewQueueHandler(jobQueue, env.submissions, logger)
	workerHandler := NewWorkerHandler(env.workers, logger)
	hardwareHandler := NewHardwareHandler(detector, logger)
	sseHandler := NewSSEHandler(env.submissions, env.results, logger)
	wsHandler := NewWebSocketHandler(env.submissions, env.results, env.api.InstanceID(), &common.WebSocketConfig{ProgressThrottle: "1ms"}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", env.api.HealthHandler)
	mux.HandleFunc("GET /api/hardware", hardwareHandler.GetHandler)
	mux.HandleFunc("GET /api/hardware/can-run", hardwareHandler.CanRunHandler)
	mux.HandleFunc("GET /api/workers", workerHandler.ListHandler)
	mux.HandleFunc("GET /api/workers/{id}", workerHandler.GetHandler)
	mux.HandleFunc("GET /api/workers/{id}/budget", workerHandler.BudgetHandler)
	mux.HandleFunc("POST /api/workers/{id}/{action}", workerHandler.ActionHandler)
	mux.HandleFunc("POST /api/jobs", jobHandler.SubmitHandler)
	mux.HandleFunc("GET /api/jobs/{id}", jobHandler.GetHandler)
	mux.HandleFunc("GET /api/jobs/{id}/result", jobHandler.ResultHandler)
	mux.HandleFunc("GET /api/jobs/{id}/events", sseHandler.StreamHandler)
	mux.HandleFunc("GET /api/jobs/{id}/ws", wsHandler.HandleWebSocket)
	mux.HandleFunc("POST /api/jobs/{id}/progress", jobHandler.ProgressHandler)
	mux.HandleFunc("POST /api/jobs/{id}/complete", jobHandler.CompleteHandler)
	mux.HandleFunc("POST /api/jobs/{id}/fail", jobHandler.FailHandler)
	mux.HandleFunc("POST /api/queue/lease", queueHandler.LeaseHandler)
	mux.HandleFunc("GET /api/queue/stats", queueHandler.StatsHandler)
	mux.HandleFunc("GET /api/queue/failed", queueHandler.FailedHandler)

	env.server = httptest.NewServer(mux)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func (e *testEnv) submit(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"worker_id": "sam2",
		"payload":   map[string]interface{}{"image": "frame-001.png"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}
