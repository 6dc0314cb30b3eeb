package queue

import (
	"context"
	"errors"

	"github.com/ternarybob/hearth/internal/models"
)

// ReasonLeaseExpired is recorded on entries whose final lease ran out
const ReasonLeaseExpired = "lease expired on final attempt"

// DeadLetterFunc is told about entries the queue dead-lettered on its own,
// which no consumer will ever report
type DeadLetterFunc func(ctx context.Context, msg models.QueueMessage, reason string)

var (
	// ErrNoMessage is returned by Receive when no entry is visible
	ErrNoMessage = errors.New("no messages in queue")

	// ErrDuplicateJob is returned when an entry with the same id is already queued or retained
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrUnknownEntry is returned when completing or failing an entry that is not queued
	ErrUnknownEntry = errors.New("queue entry not found")
)
