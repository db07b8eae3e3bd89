// -----------------------------------------------------------------------
// ApprovalHandler - the human decision surface for gated chain steps
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"go.temporal.io/sdk/client"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
	"github.com/ternarybob/fresco/internal/registry"
	"github.com/ternarybob/fresco/internal/workflows"
)

// workflowSignaler is the slice of the engine client a decision needs
type workflowSignaler interface {
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// ApprovalHandler serves the /approval endpoints. Tokens are single-use
// capabilities: every operation validates pending + unexpired first.
type ApprovalHandler struct {
	storage  interfaces.StorageManager
	registry *registry.Registry
	temporal workflowSignaler
	logger   arbor.ILogger
}

// NewApprovalHandler creates the approval endpoint handler
func NewApprovalHandler(storage interfaces.StorageManager, reg *registry.Registry, temporalClient client.Client) *ApprovalHandler {
	return &ApprovalHandler{
		storage:  storage,
		registry: reg,
		temporal: temporalClient,
		logger:   common.GetLogger(),
	}
}

// Routes dispatches {/api}/approval/{token}[/parameters|/approve|/reject].
// The unprefixed form keeps emailed links short.
func (h *ApprovalHandler) Routes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api")
	rest = strings.Trim(strings.TrimPrefix(rest, "/approval/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteError(w, http.StatusNotFound, "approval token required")
		return
	}
	token := parts[0]

	switch {
	case len(parts) == 1:
		h.view(w, r, token)
	case len(parts) == 2 && parts[1] == "parameters":
		h.parameters(w, r, token)
	case len(parts) == 2 && parts[1] == "approve":
		h.approve(w, r, token)
	case len(parts) == 2 && parts[1] == "reject":
		h.reject(w, r, token)
	default:
		WriteError(w, http.StatusNotFound, "unknown approval endpoint")
	}
}

func (h *ApprovalHandler) lookup(w http.ResponseWriter, r *http.Request, token string) (*models.ApprovalRequest, *models.Artifact, bool) {
	req, err := h.storage.ApprovalStorage().GetApprovalByToken(r.Context(), token, time.Now().UTC())
	if err != nil {
		WriteError(w, http.StatusNotFound, "approval token is invalid or expired")
		return nil, nil, false
	}
	artifact, err := h.storage.ArtifactStorage().GetArtifact(r.Context(), req.ArtifactID)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return nil, nil, false
	}
	return req, artifact, true
}

func (h *ApprovalHandler) view(w http.ResponseWriter, r *http.Request, token string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	req, artifact, ok := h.lookup(w, r, token)
	if !ok {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id": req.ID,
		"chain_id":    req.ChainID,
		"step_id":     req.StepID,
		"view_url":    req.ViewURL,
		"expires_at":  req.LinkExpiresAt,
		"artifact": map[string]interface{}{
			"id":                artifact.ID,
			"job_id":            artifact.JobID,
			"original_filename": artifact.OriginalFilename,
			"local_filename":    artifact.LocalFilename,
			"file_type":         artifact.FileType,
			"version":           artifact.Version,
		},
		"config": req.ConfigMetadata,
	})
}

// parameters returns the editable parameter schema for the artifact's
// workflow plus the values the step was generated with.
func (h *ApprovalHandler) parameters(w http.ResponseWriter, r *http.Request, token string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	req, _, ok := h.lookup(w, r, token)
	if !ok {
		return
	}

	workflowName, _ := req.ConfigMetadata["workflow_name"].(string)
	tpl, err := h.registry.Get(workflowName)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_name":  workflowName,
		"parameters":     tpl.Parameters,
		"current_values": req.ConfigMetadata["parameters"],
	})
}

func (h *ApprovalHandler) approve(w http.ResponseWriter, r *http.Request, token string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	req, _, ok := h.lookup(w, r, token)
	if !ok {
		return
	}

	var body struct {
		DecidedBy string `json:"decided_by"`
	}
	if !DecodeBody(w, r, &body) {
		return
	}
	if body.DecidedBy == "" {
		WriteError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	if !h.decide(w, r, req, models.ApprovalRequestApproved, body.DecidedBy, workflows.ApprovalDecision{
		StepID:    req.StepID,
		Decision:  "approved",
		DecidedBy: body.DecidedBy,
	}) {
		return
	}

	h.logger.Info().Str("approval_id", req.ID).Str("decided_by", body.DecidedBy).Msg("Artifact approved")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (h *ApprovalHandler) reject(w http.ResponseWriter, r *http.Request, token string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	req, _, ok := h.lookup(w, r, token)
	if !ok {
		return
	}

	var body struct {
		DecidedBy        string                 `json:"decided_by"`
		Parameters       map[string]interface{} `json:"parameters"`
		RejectionComment string                 `json:"rejection_comment,omitempty"`
	}
	if !DecodeBody(w, r, &body) {
		return
	}
	if body.DecidedBy == "" {
		WriteError(w, http.StatusBadRequest, "decided_by is required")
		return
	}

	if len(body.Parameters) > 0 {
		workflowName, _ := req.ConfigMetadata["workflow_name"].(string)
		tpl, err := h.registry.Get(workflowName)
		if err != nil {
			WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		if violations := ValidateParameters(tpl, body.Parameters); len(violations) > 0 {
			WriteValidationError(w, violations)
			return
		}
	}

	if !h.decide(w, r, req, models.ApprovalRequestRejected, body.DecidedBy, workflows.ApprovalDecision{
		StepID:     req.StepID,
		Decision:   "rejected",
		DecidedBy:  body.DecidedBy,
		Parameters: body.Parameters,
		Comment:    body.RejectionComment,
	}) {
		return
	}

	h.logger.Info().Str("approval_id", req.ID).Str("decided_by", body.DecidedBy).Msg("Artifact rejected")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// decide signals the workflow first and only then persists the decision.
// A failed signal leaves the token pending so the caller can retry; the
// waiting gate would otherwise never resolve.
func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, req *models.ApprovalRequest, status models.ApprovalRequestStatus, decidedBy string, decision workflows.ApprovalDecision) bool {
	if !req.Decide(status, decidedBy) {
		WriteError(w, http.StatusConflict, "approval request already decided")
		return false
	}
	if err := h.temporal.SignalWorkflow(r.Context(), req.EngineWorkflowID, "", workflows.ApprovalDecisionSignal, decision); err != nil {
		WriteError(w, http.StatusBadGateway, "failed to signal workflow: "+err.Error())
		return false
	}
	if err := h.storage.ApprovalStorage().SaveApproval(r.Context(), req); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

// ValidateParameters checks override keys and value types against the
// template's contract, collecting every violation.
func ValidateParameters(tpl *registry.Template, params map[string]interface{}) []string {
	var violations []string
	index := make(map[string]registry.Parameter, len(tpl.Parameters))
	for _, p := range tpl.Parameters {
		index[p.Key] = p
	}

	for key, value := range params {
		param, ok := index[key]
		if !ok {
			violations = append(violations, fmt.Sprintf("parameter %q is not overridable", key))
			continue
		}
		if err := checkType(param.Type, value); err != nil {
			violations = append(violations, fmt.Sprintf("parameter %q: %v", key, err))
		}
	}
	return violations
}

// checkType enforces nominal typing; integers are acceptable where a float
// is expected.
func checkType(expected string, value interface{}) error {
	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", value)
		}
	case "float":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
	}
	return nil
}
