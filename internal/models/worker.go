package models

import (
	"fmt"
	"time"
)

// WorkerState is the lifecycle status of a managed worker
type WorkerState string

const (
	WorkerStateStopped  WorkerState = "stopped"
	WorkerStateStarting WorkerState = "starting"
	WorkerStateReady    WorkerState = "ready"
	WorkerStateError    WorkerState = "error"
)

// HealthSchema describes how a worker's health body is judged.
// The body must be a JSON object; Field names the member to inspect and
// Accepted lists the values (compared case-insensitively as strings) that
// mean "healthy". An empty Field accepts any JSON object.
type HealthSchema struct {
	Field    string   `json:"field,omitempty"`
	Accepted []string `json:"accepted,omitempty"`
}

// WorkerDefinition is the compiled-in, immutable description of a worker type
type WorkerDefinition struct {
	ID             string        `json:"id" validate:"required"`
	Label          string        `json:"label" validate:"required"`
	Description    string        `json:"description,omitempty"`
	Command        string        `json:"command,omitempty"` // Empty = externally managed, never spawned
	Args           []string      `json:"args,omitempty"`
	Port           int           `json:"port" validate:"required,min=1,max=65535"`
	HealthPath     string        `json:"health_path" validate:"required,startswith=/"`
	Health         HealthSchema  `json:"health"`
	StartupTimeout time.Duration `json:"startup_timeout" validate:"required,gt=0"`
	MemoryMB       int           `json:"memory_mb" validate:"min=0"`
	ModelID        string        `json:"model_id,omitempty"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	ReadyPatterns  []string      `json:"ready_patterns,omitempty"`
}

// External reports whether the worker runs outside hearth's control
func (d WorkerDefinition) External() bool {
	return d.Command == ""
}

// MemoryLabel renders the memory estimate the way operators talk about it ("8GB")
func (d WorkerDefinition) MemoryLabel() string {
	if d.MemoryMB <= 0 {
		return "Variable"
	}
	if d.MemoryMB%1024 == 0 {
		return fmt.Sprintf("%dGB", d.MemoryMB/1024)
	}
	return fmt.Sprintf("%dMB", d.MemoryMB)
}

// WorkerStatus is a read-only view of a worker's runtime state
type WorkerStatus struct {
	ID              string      `json:"id"`
	Label           string      `json:"label"`
	State           WorkerState `json:"state"`
	IsRunning       bool        `json:"is_running"`
	PID             int         `json:"pid,omitempty"`
	URL             string      `json:"url"`
	MemoryMB        int         `json:"memory_mb"`
	MemoryLabel     string      `json:"memory_label"`
	FailedStarts    int         `json:"failed_starts"`
	LastError       string      `json:"last_error,omitempty"`
	LastHealthCheck *time.Time  `json:"last_health_check,omitempty"`
	ReadySince      *time.Time  `json:"ready_since,omitempty"`
	External        bool        `json:"external"`
}

// BudgetStatus is the accelerator-memory ledger as seen by admission control
type BudgetStatus struct {
	CapacityMB  int            `json:"capacity_mb"`
	CommittedMB int            `json:"committed_mb"`
	AvailableMB int            `json:"available_mb"`
	Allocations map[string]int `json:"allocations"`
}
