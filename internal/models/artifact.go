// -----------------------------------------------------------------------
// Artifact - one output file produced by a job, with versioning
// -----------------------------------------------------------------------

package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FileType classifies an artifact by its payload
type FileType string

const (
	FileTypeImage   FileType = "image"
	FileTypeVideo   FileType = "video"
	FileTypeAudio   FileType = "audio"
	FileTypeUnknown FileType = "unknown"
)

// FolderKind is the backend folder an artifact was produced in or uploaded to
type FolderKind string

const (
	FolderOutput FolderKind = "output"
	FolderInput  FolderKind = "input"
	FolderTemp   FolderKind = "temp"
)

// ApprovalStatus tracks the human decision state of an artifact
type ApprovalStatus string

const (
	ApprovalPending      ApprovalStatus = "pending"
	ApprovalApproved     ApprovalStatus = "approved"
	ApprovalRejected     ApprovalStatus = "rejected"
	ApprovalAutoApproved ApprovalStatus = "auto_approved"
	ApprovalEdited       ApprovalStatus = "edited"
)

// Artifact tracks one output file. Exactly one artifact per job carries
// IsLatest=true; a regenerated or edited artifact supersedes its parent with
// Version = parent.Version + 1 under the same JobID.
type Artifact struct {
	ID    string `json:"id" badgerhold:"key"`
	JobID string `json:"job_id" badgerhold:"index"`

	OriginalFilename string   `json:"original_filename"`
	LocalFilename    string   `json:"local_filename" badgerhold:"index"`
	LocalPath        string   `json:"local_path"`
	FileType         FileType `json:"file_type"`
	FileFormat       string   `json:"file_format,omitempty"`
	FileSize         int64    `json:"file_size,omitempty"`

	// Backend placement
	NodeID            string     `json:"node_id,omitempty"`
	Subfolder         string     `json:"subfolder,omitempty"`
	BackendFolderKind FolderKind `json:"backend_folder_kind"`

	// Versioning
	Version          int    `json:"version"`
	IsLatest         bool   `json:"is_latest" badgerhold:"index"`
	ParentArtifactID string `json:"parent_artifact_id,omitempty"`

	// Approval
	ApprovalStatus  ApprovalStatus `json:"approval_status" badgerhold:"index"`
	Approver        string         `json:"approver,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewArtifact creates a version-1 latest artifact for a job
func NewArtifact(jobID, originalFilename, localFilename, localPath string, size int64) *Artifact {
	now := time.Now().UTC()
	ext := filepath.Ext(originalFilename)
	return &Artifact{
		ID:                "art_" + uuid.New().String(),
		JobID:             jobID,
		OriginalFilename:  originalFilename,
		LocalFilename:     localFilename,
		LocalPath:         localPath,
		FileType:          DetectFileType(ext),
		FileFormat:        strings.TrimPrefix(strings.ToLower(ext), "."),
		FileSize:          size,
		BackendFolderKind: FolderOutput,
		Version:           1,
		IsLatest:          true,
		ApprovalStatus:    ApprovalAutoApproved,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// DetectFileType classifies a file by extension
func DetectFileType(ext string) FileType {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "png", "jpg", "jpeg", "gif", "webp", "bmp":
		return FileTypeImage
	case "mp4", "avi", "mov", "webm", "mkv":
		return FileTypeVideo
	case "mp3", "wav", "ogg", "flac":
		return FileTypeAudio
	default:
		return FileTypeUnknown
	}
}
