package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus tracks the upload of an artifact to a target backend
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferUploading TransferStatus = "uploading"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// ArtifactTransfer records the upload of an artifact's bytes into a target
// backend's input folder so a downstream chain step can consume it. Once
// completed, the artifact's original filename is present on the target under
// TargetSubfolder.
type ArtifactTransfer struct {
	ID         string `json:"id" badgerhold:"key"`
	ArtifactID string `json:"artifact_id" badgerhold:"index"`

	SourceJobID     string `json:"source_job_id" badgerhold:"index"`
	TargetJobID     string `json:"target_job_id,omitempty"`
	TargetBackend   string `json:"target_backend"`
	TargetSubfolder string `json:"target_subfolder,omitempty"`

	Status       TransferStatus `json:"status" badgerhold:"index"`
	UploadedAt   *time.Time     `json:"uploaded_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewArtifactTransfer creates a transfer record in the uploading state
func NewArtifactTransfer(artifactID, sourceJobID, targetJobID, targetBackend, targetSubfolder string) *ArtifactTransfer {
	return &ArtifactTransfer{
		ID:              "tr_" + uuid.New().String(),
		ArtifactID:      artifactID,
		SourceJobID:     sourceJobID,
		TargetJobID:     targetJobID,
		TargetBackend:   targetBackend,
		TargetSubfolder: targetSubfolder,
		Status:          TransferUploading,
		CreatedAt:       time.Now().UTC(),
	}
}

// MarkCompleted records a successful upload
func (t *ArtifactTransfer) MarkCompleted() {
	now := time.Now().UTC()
	t.Status = TransferCompleted
	t.UploadedAt = &now
}

// MarkFailed records a failed upload with the cause
func (t *ArtifactTransfer) MarkFailed(errorMsg string) {
	t.Status = TransferFailed
	t.ErrorMessage = errorMsg
}
