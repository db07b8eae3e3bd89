package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	chain    interfaces.ChainStorage
	job      interfaces.JobStorage
	artifact interfaces.ArtifactStorage
	transfer interfaces.TransferStorage
	approval interfaces.ApprovalStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		chain:    NewChainStorage(db, logger),
		job:      NewJobStorage(db, logger),
		artifact: NewArtifactStorage(db, logger),
		transfer: NewTransferStorage(db, logger),
		approval: NewApprovalStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// ChainStorage returns the Chain storage interface
func (m *Manager) ChainStorage() interfaces.ChainStorage {
	return m.chain
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// ArtifactStorage returns the Artifact storage interface
func (m *Manager) ArtifactStorage() interfaces.ArtifactStorage {
	return m.artifact
}

// TransferStorage returns the Transfer storage interface
func (m *Manager) TransferStorage() interfaces.TransferStorage {
	return m.transfer
}

// ApprovalStorage returns the Approval storage interface
func (m *Manager) ApprovalStorage() interfaces.ApprovalStorage {
	return m.approval
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
