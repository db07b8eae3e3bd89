package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

// TransferStorage implements the TransferStorage interface for Badger
type TransferStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTransferStorage creates a new TransferStorage instance
func NewTransferStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TransferStorage {
	return &TransferStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TransferStorage) SaveTransfer(ctx context.Context, transfer *models.ArtifactTransfer) error {
	if transfer.ID == "" {
		return fmt.Errorf("transfer ID is required")
	}
	if err := s.db.Store().Upsert(transfer.ID, transfer); err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

func (s *TransferStorage) GetTransfer(ctx context.Context, transferID string) (*models.ArtifactTransfer, error) {
	var transfer models.ArtifactTransfer
	if err := s.db.Store().Get(transferID, &transfer); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("transfer not found: %s", transferID)
		}
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return &transfer, nil
}

func (s *TransferStorage) ListTransfersForArtifact(ctx context.Context, artifactID string) ([]*models.ArtifactTransfer, error) {
	var transfers []models.ArtifactTransfer
	query := badgerhold.Where("ArtifactID").Eq(artifactID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&transfers, query); err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	result := make([]*models.ArtifactTransfer, len(transfers))
	for i := range transfers {
		result[i] = &transfers[i]
	}
	return result, nil
}
