package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/interfaces"
	"github.com/ternarybob/hearth/internal/models"
)

// StatusStorage keeps job status records as Badger entries with a TTL,
// so abandoned jobs expire without a sweeper.
type StatusStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewStatusStorage creates a status store on db
func NewStatusStorage(db *BadgerDB, logger arbor.ILogger) *StatusStorage {
	return &StatusStorage{db: db, logger: logger}
}

var _ interfaces.JobStatusStore = (*StatusStorage)(nil)

// StatusKey is the store key of a job's status record
func StatusKey(jobID string) []byte {
	return []byte(fmt.Sprintf("job:%s:status", jobID))
}

// SetStatus writes record, replacing any previous record and resetting its TTL.
// A ttl <= 0 stores the record without expiry.
func (s *StatusStorage) SetStatus(ctx context.Context, record *models.JobStatusRecord, ttl time.Duration) error {
	if record == nil || record.JobID == "" {
		return fmt.Errorf("status record requires a job id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	err = s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(StatusKey(record.JobID), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to write status for job %s: %w", record.JobID, err)
	}

	s.logger.Trace().Str("job_id", record.JobID).Str("status", string(record.Status)).Msg("Job status written")
	return nil
}

// GetStatus reads a job's status record; interfaces.ErrNotFound when absent or expired
func (s *StatusStorage) GetStatus(ctx context.Context, jobID string) (*models.JobStatusRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record models.JobStatusRecord
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(StatusKey(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status for job %s: %w", jobID, err)
	}

	return &record, nil
}

// DeleteStatus removes a job's status record; deleting an absent record is not an error
func (s *StatusStorage) DeleteStatus(ctx context.Context, jobID string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(StatusKey(jobID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete status for job %s: %w", jobID, err)
	}
	return nil
}
