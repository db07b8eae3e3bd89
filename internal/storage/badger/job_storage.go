package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobByChainStep(ctx context.Context, chainID, stepID string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("ChainID").Eq(chainID).And("StepID").Eq(stepID).Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get job by chain step: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job not found for chain %s step %s", chainID, stepID)
	}
	return &jobs[0], nil
}

// GetJobByBackendPrompt looks a job up by its backend prompt id. Prompt ids
// are only unique per backend, so the address is part of the key.
func (s *JobStorage) GetJobByBackendPrompt(ctx context.Context, backendAddress, promptID string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("BackendPromptID").Eq(promptID).And("BackendAddress").Eq(backendAddress).Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to get job by prompt id: %w", err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job not found for prompt %s on %s", promptID, backendAddress)
	}
	return &jobs[0], nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.ChainID != "" {
			query = query.And("ChainID").Eq(opts.ChainID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(models.JobStatus(opts.Status))
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}
