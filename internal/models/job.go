package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the caller-facing job priority
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// QueueValue maps the priority onto the queue's numeric scale (lower is dequeued first)
func (p Priority) QueueValue() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// ParsePriority parses a priority name; empty means normal
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal, "":
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// JobStatus is the lifecycle status of a submitted job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobSubmission is handed to the queue and never mutated afterwards
type JobSubmission struct {
	ID        string          `json:"id"`
	WorkerID  string          `json:"worker_id"`
	ModelID   string          `json:"model_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobStatusRecord is the TTL-bound status entry kept in the status store
type JobStatusRecord struct {
	JobID       string     `json:"job_id"`
	WorkerID    string     `json:"worker_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Stage       string     `json:"stage,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
}

// JobError is the failure detail carried by a failed result
type JobError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JobResult is the terminal message published on a job's result channel
type JobResult struct {
	JobID       string          `json:"job_id"`
	Status      JobStatus       `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ProgressUpdate is a non-terminal message published on a job's progress channel
type ProgressUpdate struct {
	JobID     string    `json:"job_id"`
	Progress  int       `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
