package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
)

type memStatusStore struct {
	mu      sync.Mutex
	records map[string]models.JobStatusRecord
	writes  int
	err     error

	// afterGet runs once a read returned, outside the store lock
	afterGet func(jobID string)
}

func newMemStatusStore() *memStatusStore {
	return &memStatusStore{records: make(map[string]models.JobStatusRecord)}
}

func (s *memStatusStore) SetStatus(ctx context.Context, record *models.JobStatusRecord, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes++
	s.records[record.JobID] = *record
	return nil
}

func (s *memStatusStore) GetStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	s.mu.Lock()
	record, ok := s.records[jobID]
	hook := s.afterGet
	s.mu.Unlock()

	if hook != nil {
		hook(jobID)
	}
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return &record, nil
}

func (s *memStatusStore) DeleteStatus(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
	return nil
}

func (s *memStatusStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type enqueued struct {
	name string
	body json.RawMessage
	opts interfaces.EnqueueOptions
}

// fakeQueue records enqueues; the other queue operations are unused here
type fakeQueue struct {
	interfaces.JobQueue

	mu      sync.Mutex
	entries []enqueued
	err     error

	onEnqueue func(jobID string)
}

func (q *fakeQueue) Enqueue(ctx context.Context, name string, body json.RawMessage, opts interfaces.EnqueueOptions) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.entries = append(q.entries, enqueued{name: name, body: body, opts: opts})
	hook := q.onEnqueue
	q.mu.Unlock()

	if hook != nil {
		hook(opts.JobID)
	}
	return nil
}

func (q *fakeQueue) WaitingCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// fakeWorkers implements the parts of the worker manager submission uses
type fakeWorkers struct {
	interfaces.WorkerManager

	defs        map[string]models.WorkerDefinition
	readyErr    error
	budgetErr   error
	readyCalls  int
	budgetCalls int
}

func (w *fakeWorkers) Definition(id string) (models.WorkerDefinition, bool) {
	def, ok := w.defs[id]
	return def, ok
}

func (w *fakeWorkers) EnsureReady(ctx context.Context, id string) error {
	w.readyCalls++
	return w.readyErr
}

func (w *fakeWorkers) CheckBudget(ctx context.Context, id string) error {
	w.budgetCalls++
	return w.budgetErr
}
