package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerManager implements a persistent priority queue on BadgerDB.
//
// Live entries are stored at queue:{name}:msg:{id}. An ordering index
// queue:{name}:index:{priority}:{visibleAt}:{id} lets Receive scan by
// priority tier, then by visibility time, which keeps each tier FIFO.
// Finished entries move to badgerhold QueueRecords for bounded retention.
type BadgerManager struct {
	store  *badgerhold.Store
	db     *badger.DB
	config Config
	logger arbor.ILogger
	now    func() time.Time

	mu         sync.Mutex // serializes read-modify-write transactions
	deadLetter DeadLetterFunc
}

var _ interfaces.JobQueue = (*BadgerManager)(nil)

// NewBadgerManager creates a new Badger-backed queue
func NewBadgerManager(store *badgerhold.Store, config Config, logger arbor.ILogger) (*BadgerManager, error) {
	if store == nil {
		return nil, errors.New("badger store is required")
	}
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}

	return &BadgerManager{
		store:  store,
		db:     store.Badger(),
		config: config,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Name returns the queue name
func (m *BadgerManager) Name() string {
	return m.config.Name
}

// Enqueue adds an entry that is immediately visible
func (m *BadgerManager) Enqueue(ctx context.Context, name string, body json.RawMessage, opts interfaces.EnqueueOptions) error {
	if opts.JobID == "" {
		return errors.New("job id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := m.now()
	msg := models.QueueMessage{
		ID:         opts.JobID,
		Name:       name,
		Priority:   clampPriority(opts.Priority),
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(m.msgKey(msg.ID)); err == nil {
			return ErrDuplicateJob
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var retained models.QueueRecord
		if err := m.store.TxGet(txn, msg.ID, &retained); err == nil {
			return ErrDuplicateJob
		} else if !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}

		return m.put(txn, &msg, nil)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, msg.ID)
		}
		return fmt.Errorf("failed to enqueue job %s: %w", msg.ID, err)
	}

	m.logger.Debug().
		Str("queue", m.config.Name).
		Str("job_id", msg.ID).
		Int("priority", msg.Priority).
		Msg("Job enqueued")

	return nil
}

// WaitingCount returns the number of entries visible and not leased
func (m *BadgerManager) WaitingCount(ctx context.Context) (int, error) {
	stats, err := m.liveStats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Waiting, nil
}

// Receive leases the highest-priority visible entry. An expired lease is
// redelivered, or dead-lettered when it was the final attempt.
func (m *BadgerManager) Receive(ctx context.Context) (*models.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claimed, expired, err := m.scan(true)
	m.notifyDeadLettered(ctx, expired)
	if err != nil {
		return nil, fmt.Errorf("failed to receive from queue %s: %w", m.config.Name, err)
	}
	if claimed == nil {
		return nil, ErrNoMessage
	}

	m.logger.Debug().
		Str("queue", m.config.Name).
		Str("job_id", claimed.ID).
		Int("attempt", claimed.Attempts).
		Msg("Job leased")

	return claimed, nil
}

// ReapExpired dead-letters entries whose final lease expired without leasing
// anything, for when no consumer is polling
func (m *BadgerManager) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	_, expired, err := m.scan(false)
	m.notifyDeadLettered(ctx, expired)
	if err != nil {
		return len(expired), fmt.Errorf("failed to reap queue %s: %w", m.config.Name, err)
	}
	return len(expired), nil
}

// SetDeadLetterHandler registers fn for entries dead-lettered by lease expiry
func (m *BadgerManager) SetDeadLetterHandler(fn DeadLetterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetter = fn
}

// scan walks visible entries in dequeue order, dead-lettering expired final
// leases. With claim set it leases the first deliverable entry and stops.
// Dead-letter moves are only reported once the transaction committed.
func (m *BadgerManager) scan(claim bool) (*models.QueueMessage, []models.QueueMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed *models.QueueMessage
	var expired []models.QueueMessage

	// Returning an error would discard dead-letter moves made during the scan,
	// so an empty scan commits and reports ErrNoMessage afterwards
	err := m.db.Update(func(txn *badger.Txn) error {
		now := m.now()
		visible := m.visibleIndexKeys(txn, now)

		for _, key := range visible {
			_, _, id, _ := m.parseIndexKey(key)

			msg, err := m.get(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				// Index without data
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			if msg.Leased && msg.Attempts >= m.config.Attempts {
				if err := m.finish(txn, msg, key, models.QueueEntryFailed, ReasonLeaseExpired); err != nil {
					return err
				}
				expired = append(expired, *msg)
				continue
			}
			if !claim {
				continue
			}

			msg.Attempts++
			msg.Leased = true
			msg.VisibleAt = now.Add(m.config.VisibilityTimeout)
			if err := m.put(txn, msg, key); err != nil {
				return err
			}
			claimed = msg
			return nil
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, expired, nil
}

func (m *BadgerManager) notifyDeadLettered(ctx context.Context, expired []models.QueueMessage) {
	if len(expired) == 0 {
		return
	}

	m.mu.Lock()
	fn := m.deadLetter
	m.mu.Unlock()

	// The lease request may already be gone; the notice must still land
	ctx = context.WithoutCancel(ctx)
	for _, msg := range expired {
		m.logger.Error().
			Str("queue", m.config.Name).
			Str("job_id", msg.ID).
			Int("attempts", msg.Attempts).
			Msg("Job lease expired on final attempt")
		if fn != nil {
			fn(ctx, msg, ReasonLeaseExpired)
		}
	}
}

// Complete removes a leased entry and retains it as completed
func (m *BadgerManager) Complete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.db.Update(func(txn *badger.Txn) error {
		msg, err := m.get(txn, id)
		if err != nil {
			return err
		}
		return m.finish(txn, msg, m.indexKey(msg.Priority, msg.VisibleAt, msg.ID), models.QueueEntryCompleted, "")
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}

	m.logger.Debug().Str("queue", m.config.Name).Str("job_id", id).Msg("Job completed")
	return nil
}

// Fail records a failed delivery. The entry is retried after an
// exponential backoff until the attempt limit, then dead-lettered.
func (m *BadgerManager) Fail(ctx context.Context, id string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	retrying := false
	var delay time.Duration
	var attempts int

	err := m.db.Update(func(txn *badger.Txn) error {
		msg, err := m.get(txn, id)
		if err != nil {
			return err
		}
		oldIndex := m.indexKey(msg.Priority, msg.VisibleAt, msg.ID)
		attempts = msg.Attempts

		if msg.Attempts >= m.config.Attempts {
			return m.finish(txn, msg, oldIndex, models.QueueEntryFailed, reason)
		}

		retrying = true
		delay = m.config.BackoffFor(msg.Attempts)
		msg.Leased = false
		msg.LastError = reason
		msg.VisibleAt = m.now().Add(delay)
		return m.put(txn, msg, oldIndex)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to record failure for job %s: %w", id, err)
	}

	if retrying {
		m.logger.Warn().
			Str("queue", m.config.Name).
			Str("job_id", id).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Str("reason", reason).
			Msg("Job failed, retry scheduled")
	} else {
		m.logger.Error().
			Str("queue", m.config.Name).
			Str("job_id", id).
			Int("attempts", attempts).
			Str("reason", reason).
			Msg("Job failed permanently")
	}

	return retrying, nil
}

// ListFailed returns the newest dead-lettered entries
func (m *BadgerManager) ListFailed(ctx context.Context, limit int) ([]models.QueueRecord, error) {
	query := badgerhold.Where("Queue").Eq(m.config.Name).
		And("State").Eq(models.QueueEntryFailed).
		SortBy("FinishedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []models.QueueRecord
	if err := m.store.Find(&records, query); err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	return records, nil
}

// Prune enforces age and count retention on finished entries
func (m *BadgerManager) Prune(ctx context.Context) (int, error) {
	completed, err := m.prune(models.QueueEntryCompleted, m.config.KeepCompletedAge, m.config.KeepCompletedCount)
	if err != nil {
		return completed, err
	}
	failed, err := m.prune(models.QueueEntryFailed, m.config.KeepFailedAge, m.config.KeepFailedCount)
	removed := completed + failed
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		m.logger.Debug().
			Str("queue", m.config.Name).
			Int("completed_removed", completed).
			Int("failed_removed", failed).
			Msg("Queue retention pruned")
	}
	return removed, nil
}

// Stats summarises live and retained entries
func (m *BadgerManager) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats, err := m.liveStats(ctx)
	if err != nil {
		return nil, err
	}

	completed, err := m.store.Count(&models.QueueRecord{},
		badgerhold.Where("Queue").Eq(m.config.Name).And("State").Eq(models.QueueEntryCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	failed, err := m.store.Count(&models.QueueRecord{},
		badgerhold.Where("Queue").Eq(m.config.Name).And("State").Eq(models.QueueEntryFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to count failed jobs: %w", err)
	}

	stats.Completed = int(completed)
	stats.Failed = int(failed)
	return stats, nil
}

func (m *BadgerManager) liveStats(ctx context.Context) (*models.QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &models.QueueStats{Queue: m.config.Name}
	now := m.now()

	err := m.db.View(func(txn *badger.Txn) error {
		prefix := m.msgPrefix()
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var msg models.QueueMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			switch {
			case msg.Leased && msg.VisibleAt.After(now):
				stats.Active++
			case msg.VisibleAt.After(now):
				stats.Delayed++
			default:
				stats.Waiting++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue %s: %w", m.config.Name, err)
	}
	return stats, nil
}

func (m *BadgerManager) prune(state models.QueueEntryState, maxAge time.Duration, keep int) (int, error) {
	var records []models.QueueRecord
	query := badgerhold.Where("Queue").Eq(m.config.Name).
		And("State").Eq(state).
		SortBy("FinishedAt").Reverse()
	if err := m.store.Find(&records, query); err != nil {
		return 0, fmt.Errorf("failed to load %s jobs: %w", state, err)
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0
	for i, rec := range records {
		if i < keep && (maxAge <= 0 || rec.FinishedAt.After(cutoff)) {
			continue
		}
		if err := m.store.Delete(rec.ID, &models.QueueRecord{}); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return removed, fmt.Errorf("failed to prune job %s: %w", rec.ID, err)
		}
		removed++
	}
	return removed, nil
}

// finish deletes a live entry and stores its retention record
func (m *BadgerManager) finish(txn *badger.Txn, msg *models.QueueMessage, indexKey []byte, state models.QueueEntryState, reason string) error {
	if err := txn.Delete(indexKey); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Delete(m.msgKey(msg.ID)); err != nil {
		return err
	}

	record := models.QueueRecord{
		ID:         msg.ID,
		Queue:      m.config.Name,
		State:      state,
		Name:       msg.Name,
		Priority:   msg.Priority,
		Body:       msg.Body,
		Attempts:   msg.Attempts,
		Reason:     reason,
		EnqueuedAt: msg.EnqueuedAt,
		FinishedAt: m.now(),
	}
	return m.store.TxUpsert(txn, record.ID, &record)
}

// put writes msg and its index entry, replacing oldIndex when given
func (m *BadgerManager) put(txn *badger.Txn, msg *models.QueueMessage, oldIndex []byte) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if oldIndex != nil {
		if err := txn.Delete(oldIndex); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	if err := txn.Set(m.msgKey(msg.ID), data); err != nil {
		return err
	}
	return txn.Set(m.indexKey(msg.Priority, msg.VisibleAt, msg.ID), []byte{})
}

// visibleIndexKeys returns index keys whose visibility time has passed, in
// dequeue order. The iterator is closed before the caller writes.
func (m *BadgerManager) visibleIndexKeys(txn *badger.Txn, now time.Time) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	prefix := m.indexPrefix()
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		_, visibleAt, _, err := m.parseIndexKey(key)
		if err != nil || visibleAt.After(now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func (m *BadgerManager) get(txn *badger.Txn, id string) (*models.QueueMessage, error) {
	item, err := txn.Get(m.msgKey(id))
	if err != nil {
		return nil, err
	}
	var msg models.QueueMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Helpers

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 99 {
		return 99
	}
	return p
}

func (m *BadgerManager) msgPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:", m.config.Name))
}

func (m *BadgerManager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.config.Name, id))
}

func (m *BadgerManager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.config.Name))
}

func (m *BadgerManager) indexKey(priority int, visibleAt time.Time, id string) []byte {
	// Zero padding keeps lexical order equal to numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%02d:%020d:%s", m.config.Name, priority, visibleAt.UnixNano(), id))
}

func (m *BadgerManager) parseIndexKey(key []byte) (int, time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return 0, time.Time{}, "", fmt.Errorf("invalid key length")
	}

	// Suffix is "{2-digit-priority}:{20-digit-ts}:{id}"
	suffix := string(key[len(prefix):])
	if len(suffix) < 25 || suffix[2] != ':' || suffix[23] != ':' {
		return 0, time.Time{}, "", fmt.Errorf("invalid index suffix")
	}

	var priority int
	if _, err := fmt.Sscanf(suffix[:2], "%d", &priority); err != nil {
		return 0, time.Time{}, "", err
	}
	var ts int64
	if _, err := fmt.Sscanf(suffix[3:23], "%d", &ts); err != nil {
		return 0, time.Time{}, "", err
	}

	return priority, time.Unix(0, ts), suffix[24:], nil
}
