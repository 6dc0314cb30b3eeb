package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/interfaces"
)

// Manager owns the Badger connection and the stores built on it
type Manager struct {
	db     *BadgerDB
	status interfaces.JobStatusStore
	logger arbor.ILogger
}

// NewManager opens the database and creates the stores
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		status: NewStatusStorage(db, logger),
		logger: logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// DB returns the shared connection (the queue lives in the same database)
func (m *Manager) DB() *BadgerDB {
	return m.db
}

// StatusStore returns the job status store
func (m *Manager) StatusStore() interfaces.JobStatusStore {
	return m.status
}

// Close closes the database
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing Badger storage")
	return m.db.Close()
}
