package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

// ErrTokenInvalid means the approval token does not match a pending,
// unexpired request. It covers unknown, already-decided, and expired tokens
// so the caller cannot distinguish them.
var ErrTokenInvalid = fmt.Errorf("approval token is invalid or expired")

// ApprovalStorage implements the ApprovalStorage interface for Badger
type ApprovalStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewApprovalStorage creates a new ApprovalStorage instance
func NewApprovalStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ApprovalStorage {
	return &ApprovalStorage{
		db:     db,
		logger: logger,
	}
}

func (s *ApprovalStorage) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	if req.ID == "" {
		return fmt.Errorf("approval ID is required")
	}
	if err := s.db.Store().Upsert(req.ID, req); err != nil {
		return fmt.Errorf("failed to save approval request: %w", err)
	}
	return nil
}

func (s *ApprovalStorage) GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	if err := s.db.Store().Get(approvalID, &req); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("approval request not found: %s", approvalID)
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return &req, nil
}

// GetApprovalByToken validates a token: it must match a request that is still
// pending with an unexpired link.
func (s *ApprovalStorage) GetApprovalByToken(ctx context.Context, token string, now time.Time) (*models.ApprovalRequest, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}
	var reqs []models.ApprovalRequest
	if err := s.db.Store().Find(&reqs, badgerhold.Where("Token").Eq(token).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to look up approval token: %w", err)
	}
	if len(reqs) == 0 {
		return nil, ErrTokenInvalid
	}
	req := &reqs[0]
	if req.Status != models.ApprovalRequestPending || req.IsExpired(now) {
		return nil, ErrTokenInvalid
	}
	return req, nil
}

func (s *ApprovalStorage) ListPendingApprovals(ctx context.Context) ([]*models.ApprovalRequest, error) {
	var reqs []models.ApprovalRequest
	query := badgerhold.Where("Status").Eq(models.ApprovalRequestPending).SortBy("CreatedAt")
	if err := s.db.Store().Find(&reqs, query); err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	result := make([]*models.ApprovalRequest, len(reqs))
	for i := range reqs {
		result[i] = &reqs[i]
	}
	return result, nil
}
