package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

// ChainStorage implements the ChainStorage interface for Badger
type ChainStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChainStorage creates a new ChainStorage instance
func NewChainStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ChainStorage {
	return &ChainStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ChainStorage) SaveChain(ctx context.Context, chain *models.Chain) error {
	if chain.ID == "" {
		return fmt.Errorf("chain ID is required")
	}
	if err := s.db.Store().Upsert(chain.ID, chain); err != nil {
		return fmt.Errorf("failed to save chain: %w", err)
	}
	return nil
}

func (s *ChainStorage) GetChain(ctx context.Context, chainID string) (*models.Chain, error) {
	var chain models.Chain
	if err := s.db.Store().Get(chainID, &chain); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("chain not found: %s", chainID)
		}
		return nil, fmt.Errorf("failed to get chain: %w", err)
	}
	return &chain, nil
}

func (s *ChainStorage) GetChainByEngineWorkflowID(ctx context.Context, workflowID string) (*models.Chain, error) {
	var chains []models.Chain
	if err := s.db.Store().Find(&chains, badgerhold.Where("EngineWorkflowID").Eq(workflowID).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to get chain by workflow id: %w", err)
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("chain not found for workflow: %s", workflowID)
	}
	return &chains[0], nil
}

func (s *ChainStorage) ListChains(ctx context.Context, opts *interfaces.ChainListOptions) ([]*models.Chain, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(models.ChainStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var chains []models.Chain
	if err := s.db.Store().Find(&chains, query); err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}

	result := make([]*models.Chain, len(chains))
	for i := range chains {
		result[i] = &chains[i]
	}
	return result, nil
}
