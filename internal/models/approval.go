// -----------------------------------------------------------------------
// ApprovalRequest - a one-shot token gating a chain on a human decision
// -----------------------------------------------------------------------

package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequestStatus tracks the decision state of an approval request
type ApprovalRequestStatus string

const (
	ApprovalRequestPending   ApprovalRequestStatus = "pending"
	ApprovalRequestApproved  ApprovalRequestStatus = "approved"
	ApprovalRequestRejected  ApprovalRequestStatus = "rejected"
	ApprovalRequestCancelled ApprovalRequestStatus = "cancelled"
)

// approvalTokenBytes is the entropy of an approval link token
const approvalTokenBytes = 32

// ApprovalRequest holds a pending human decision about a specific artifact.
// The token is single-use: it validates only while the request is pending and
// the link has not expired, and the first decision revokes it.
type ApprovalRequest struct {
	ID         string `json:"id" badgerhold:"key"`
	ArtifactID string `json:"artifact_id" badgerhold:"index"`
	ChainID    string `json:"chain_id,omitempty" badgerhold:"index"`
	StepID     string `json:"step_id,omitempty"`

	EngineWorkflowID string `json:"engine_workflow_id"`
	EngineRunID      string `json:"engine_run_id,omitempty"`

	Token         string     `json:"token" badgerhold:"index"`
	ViewURL       string     `json:"view_url"`
	LinkExpiresAt *time.Time `json:"link_expires_at,omitempty"`

	Status    ApprovalRequestStatus `json:"status" badgerhold:"index"`
	DecidedBy string                `json:"decided_by,omitempty"`
	DecidedAt *time.Time            `json:"decided_at,omitempty"`

	// ConfigMetadata carries workflow name, backend, parameters used and the
	// approval policy so the approval surface needs no workflow round-trip.
	ConfigMetadata map[string]interface{} `json:"config_metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewApprovalRequest creates a pending approval request with a fresh token
func NewApprovalRequest(artifactID, engineWorkflowID, viewURL string, linkTTL time.Duration, configMetadata map[string]interface{}) *ApprovalRequest {
	now := time.Now().UTC()
	req := &ApprovalRequest{
		ID:               "apr_" + uuid.New().String(),
		ArtifactID:       artifactID,
		EngineWorkflowID: engineWorkflowID,
		Token:            NewApprovalToken(),
		ViewURL:          viewURL,
		Status:           ApprovalRequestPending,
		ConfigMetadata:   configMetadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if linkTTL > 0 {
		expires := now.Add(linkTTL)
		req.LinkExpiresAt = &expires
	}
	return req
}

// NewApprovalToken generates a URL-safe token with 32 bytes of entropy
func NewApprovalToken() string {
	buf := make([]byte, approvalTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// IsExpired reports whether the approval link has passed its expiry
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return r.LinkExpiresAt != nil && r.LinkExpiresAt.Before(now)
}

// Decide flips a pending request to a terminal status exactly once.
// Returns false if the request was already decided.
func (r *ApprovalRequest) Decide(status ApprovalRequestStatus, decidedBy string) bool {
	if r.Status != ApprovalRequestPending {
		return false
	}
	now := time.Now().UTC()
	r.Status = status
	r.DecidedBy = decidedBy
	r.DecidedAt = &now
	r.UpdatedAt = now
	return true
}
