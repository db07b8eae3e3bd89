package badger

import (
	"context"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
)

// ArtifactStorage implements the ArtifactStorage interface for Badger
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new ArtifactStorage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

// CreateArtifact inserts the artifact, demotes the job's previous latest
// artifacts and points the job at the new one, all in one transaction.
func (s *ArtifactStorage) CreateArtifact(ctx context.Context, artifact *models.Artifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact ID is required")
	}
	if artifact.JobID == "" {
		return fmt.Errorf("artifact job ID is required")
	}

	store := s.db.Store()
	err := store.Badger().Update(func(tx *badgerdb.Txn) error {
		var peers []models.Artifact
		query := badgerhold.Where("JobID").Eq(artifact.JobID).And("IsLatest").Eq(true)
		if err := store.TxFind(tx, &peers, query); err != nil {
			return fmt.Errorf("failed to find peer artifacts: %w", err)
		}
		now := time.Now().UTC()
		for i := range peers {
			peers[i].IsLatest = false
			peers[i].UpdatedAt = now
			if err := store.TxUpsert(tx, peers[i].ID, &peers[i]); err != nil {
				return fmt.Errorf("failed to demote artifact %s: %w", peers[i].ID, err)
			}
		}

		artifact.IsLatest = true
		if err := store.TxUpsert(tx, artifact.ID, artifact); err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}

		var job models.Job
		if err := store.TxGet(tx, artifact.JobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("job not found: %s", artifact.JobID)
			}
			return fmt.Errorf("failed to load job: %w", err)
		}
		job.LatestArtifactID = artifact.ID
		job.UpdatedAt = now
		if err := store.TxUpsert(tx, job.ID, &job); err != nil {
			return fmt.Errorf("failed to update job latest artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("artifact_id", artifact.ID).
		Str("job_id", artifact.JobID).
		Int("version", artifact.Version).
		Msg("Artifact created")
	return nil
}

func (s *ArtifactStorage) UpdateArtifact(ctx context.Context, artifact *models.Artifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact ID is required")
	}
	artifact.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Upsert(artifact.ID, artifact); err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStorage) GetArtifact(ctx context.Context, artifactID string) (*models.Artifact, error) {
	var artifact models.Artifact
	if err := s.db.Store().Get(artifactID, &artifact); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("artifact not found: %s", artifactID)
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return &artifact, nil
}

func (s *ArtifactStorage) GetArtifactByLocalFilename(ctx context.Context, localFilename string) (*models.Artifact, error) {
	var artifacts []models.Artifact
	if err := s.db.Store().Find(&artifacts, badgerhold.Where("LocalFilename").Eq(localFilename).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to get artifact by filename: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("artifact not found: %s", localFilename)
	}
	return &artifacts[0], nil
}

func (s *ArtifactStorage) GetLatestArtifactForJob(ctx context.Context, jobID string) (*models.Artifact, error) {
	var artifacts []models.Artifact
	query := badgerhold.Where("JobID").Eq(jobID).And("IsLatest").Eq(true).Limit(1)
	if err := s.db.Store().Find(&artifacts, query); err != nil {
		return nil, fmt.Errorf("failed to get latest artifact: %w", err)
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("no artifact for job: %s", jobID)
	}
	return &artifacts[0], nil
}

func (s *ArtifactStorage) ListArtifactsForJob(ctx context.Context, jobID string) ([]*models.Artifact, error) {
	var artifacts []models.Artifact
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("Version")
	if err := s.db.Store().Find(&artifacts, query); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	result := make([]*models.Artifact, len(artifacts))
	for i := range artifacts {
		result[i] = &artifacts[i]
	}
	return result, nil
}

// ReferencedLocalFilenames collects filenames the sweep must keep: every
// artifact whose owning job has not reached a terminal status.
func (s *ArtifactStorage) ReferencedLocalFilenames(ctx context.Context) (map[string]bool, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ID").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	referenced := make(map[string]bool)
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		var artifacts []models.Artifact
		if err := s.db.Store().Find(&artifacts, badgerhold.Where("JobID").Eq(job.ID)); err != nil {
			return nil, fmt.Errorf("failed to list artifacts for job %s: %w", job.ID, err)
		}
		for _, a := range artifacts {
			referenced[a.LocalFilename] = true
		}
	}
	return referenced, nil
}
