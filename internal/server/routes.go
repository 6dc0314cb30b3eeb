package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - System
	mux.HandleFunc("GET /api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("GET /api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("POST /api/shutdown", s.ShutdownHandler) // Dev mode only

	// API routes - Hardware
	mux.HandleFunc("GET /api/hardware", s.app.HardwareHandler.GetHandler)
	mux.HandleFunc("GET /api/hardware/can-run", s.app.HardwareHandler.CanRunHandler)

	// API routes - Workers
	mux.HandleFunc("GET /api/workers", s.app.WorkerHandler.ListHandler)
	mux.HandleFunc("GET /api/workers/{id}", s.app.WorkerHandler.GetHandler)
	mux.HandleFunc("GET /api/workers/{id}/budget", s.app.WorkerHandler.BudgetHandler)
	mux.HandleFunc("POST /api/workers/{id}/{action}", s.app.WorkerHandler.ActionHandler) // start, stop, restart, reset

	// API routes - Jobs (callers)
	mux.HandleFunc("POST /api/jobs", s.app.JobHandler.SubmitHandler)
	mux.HandleFunc("GET /api/jobs/{id}", s.app.JobHandler.GetHandler)
	mux.HandleFunc("GET /api/jobs/{id}/result", s.app.JobHandler.ResultHandler)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.app.SSEHandler.StreamHandler)
	mux.HandleFunc("GET /api/jobs/{id}/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs (workers)
	mux.HandleFunc("POST /api/jobs/{id}/progress", s.app.JobHandler.ProgressHandler)
	mux.HandleFunc("POST /api/jobs/{id}/complete", s.app.JobHandler.CompleteHandler)
	mux.HandleFunc("POST /api/jobs/{id}/fail", s.app.JobHandler.FailHandler)
	mux.HandleFunc("POST /api/queue/lease", s.app.QueueHandler.LeaseHandler)

	// API routes - Queue diagnostics
	mux.HandleFunc("GET /api/queue/stats", s.app.QueueHandler.StatsHandler)
	mux.HandleFunc("GET /api/queue/failed", s.app.QueueHandler.FailedHandler)

	// API routes - Scheduler
	mux.HandleFunc("GET /api/scheduler/tasks", s.app.SchedulerHandler.ListHandler)
	mux.HandleFunc("POST /api/scheduler/tasks/{name}/{action}", s.app.SchedulerHandler.ActionHandler) // trigger, enable, disable

	// 404 handler for unmatched routes
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
