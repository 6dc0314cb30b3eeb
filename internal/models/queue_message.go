package models

import (
	"encoding/json"
	"time"
)

// QueueEntryState is where a queue entry currently sits
type QueueEntryState string

const (
	QueueEntryWaiting   QueueEntryState = "waiting"
	QueueEntryActive    QueueEntryState = "active"
	QueueEntryCompleted QueueEntryState = "completed"
	QueueEntryFailed    QueueEntryState = "failed"
)

// QueueMessage is the envelope stored in the priority queue
type QueueMessage struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"` // e.g. "sam2-job"
	Priority   int             `json:"priority"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VisibleAt  time.Time       `json:"visible_at"`
	Attempts   int             `json:"attempts"` // Deliveries so far
	Leased     bool            `json:"leased"`   // Received and not yet completed, failed or expired
	LastError  string          `json:"last_error,omitempty"`
}

// QueueRecord is a finished queue entry kept for bounded retention.
// Failed records form the dead-letter log.
type QueueRecord struct {
	ID         string          `badgerhold:"key" json:"id"`
	Queue      string          `badgerhold:"index" json:"queue"`
	State      QueueEntryState `badgerhold:"index" json:"state"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	Body       json.RawMessage `json:"body"`
	Attempts   int             `json:"attempts"`
	Reason     string          `json:"reason,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// QueueStats summarises queue occupancy
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}
