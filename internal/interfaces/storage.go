package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/fresco/internal/models"
)

// ChainListOptions filters and pages chain queries
type ChainListOptions struct {
	Status string
	Limit  int
	Offset int
}

// JobListOptions filters and pages job queries
type JobListOptions struct {
	ChainID string
	Status  string
	Limit   int
	Offset  int
}

// ChainStorage persists chain executions
type ChainStorage interface {
	SaveChain(ctx context.Context, chain *models.Chain) error
	GetChain(ctx context.Context, chainID string) (*models.Chain, error)
	GetChainByEngineWorkflowID(ctx context.Context, workflowID string) (*models.Chain, error)
	ListChains(ctx context.Context, opts *ChainListOptions) ([]*models.Chain, error)
}

// JobStorage persists render jobs
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetJobByChainStep(ctx context.Context, chainID, stepID string) (*models.Job, error)
	GetJobByBackendPrompt(ctx context.Context, backendAddress, promptID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
}

// ArtifactStorage persists artifact rows and their versioning invariants
type ArtifactStorage interface {
	// CreateArtifact inserts the artifact and, in the same transaction, unsets
	// IsLatest on the job's previous artifacts and records the new artifact as
	// the job's latest.
	CreateArtifact(ctx context.Context, artifact *models.Artifact) error
	UpdateArtifact(ctx context.Context, artifact *models.Artifact) error
	GetArtifact(ctx context.Context, artifactID string) (*models.Artifact, error)
	GetArtifactByLocalFilename(ctx context.Context, localFilename string) (*models.Artifact, error)
	GetLatestArtifactForJob(ctx context.Context, jobID string) (*models.Artifact, error)
	ListArtifactsForJob(ctx context.Context, jobID string) ([]*models.Artifact, error)
	// ReferencedLocalFilenames returns the local filenames of artifacts whose
	// owning job is not terminal; the file sweep must not remove them.
	ReferencedLocalFilenames(ctx context.Context) (map[string]bool, error)
}

// TransferStorage persists artifact upload records
type TransferStorage interface {
	SaveTransfer(ctx context.Context, transfer *models.ArtifactTransfer) error
	GetTransfer(ctx context.Context, transferID string) (*models.ArtifactTransfer, error)
	ListTransfersForArtifact(ctx context.Context, artifactID string) ([]*models.ArtifactTransfer, error)
}

// ApprovalStorage persists approval requests and enforces token semantics
type ApprovalStorage interface {
	SaveApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, approvalID string) (*models.ApprovalRequest, error)
	// GetApprovalByToken returns the request only if it is pending and the
	// link has not expired at the given instant.
	GetApprovalByToken(ctx context.Context, token string, now time.Time) (*models.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context) ([]*models.ApprovalRequest, error)
}

// StorageManager bundles the per-entity stores over one database
type StorageManager interface {
	ChainStorage() ChainStorage
	JobStorage() JobStorage
	ArtifactStorage() ArtifactStorage
	TransferStorage() TransferStorage
	ApprovalStorage() ApprovalStorage
	Close() error
}
