// -----------------------------------------------------------------------
// Activities backing the chain executor workflow
// -----------------------------------------------------------------------

package activities

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/ternarybob/fresco/internal/chains"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/metrics"
	"github.com/ternarybob/fresco/internal/models"
)

// CreateChainInput records a new chain execution
type CreateChainInput struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	EngineWorkflowID string                 `json:"engine_workflow_id"`
	EngineRunID      string                 `json:"engine_run_id,omitempty"`
	Definition       map[string]interface{} `json:"definition,omitempty"`
}

// CreateChain inserts the chain row, reusing an existing row for the same
// engine workflow id so activity retries stay idempotent.
func (a *Activities) CreateChain(ctx context.Context, input CreateChainInput) (string, error) {
	if existing, err := a.Storage.ChainStorage().GetChainByEngineWorkflowID(ctx, input.EngineWorkflowID); err == nil {
		return existing.ID, nil
	}

	chain := models.NewChain(input.Name, input.EngineWorkflowID, input.EngineRunID, input.Definition)
	chain.Description = input.Description
	if err := a.Storage.ChainStorage().SaveChain(ctx, chain); err != nil {
		return "", err
	}
	common.GetLogger().Info().Str("chain_id", chain.ID).Str("name", chain.Name).Msg("Chain created")
	return chain.ID, nil
}

// UpdateChainLevel marks the chain as executing the given level
func (a *Activities) UpdateChainLevel(ctx context.Context, chainID string, level int) error {
	chain, err := a.Storage.ChainStorage().GetChain(ctx, chainID)
	if err != nil {
		return err
	}
	if chain.Status.IsTerminal() {
		return nil
	}
	chain.Status = models.ChainStatusExecutingLevel(level)
	chain.CurrentLevel = level
	chain.UpdatedAt = time.Now().UTC()
	return a.Storage.ChainStorage().SaveChain(ctx, chain)
}

// FinalizeChainInput closes a chain row
type FinalizeChainInput struct {
	ChainID      string `json:"chain_id"`
	Status       string `json:"status"` // completed, failed, or cancelled
	ErrorMessage string `json:"error_message,omitempty"`
}

// FinalizeChain flips a chain to its terminal status exactly once
func (a *Activities) FinalizeChain(ctx context.Context, input FinalizeChainInput) error {
	chain, err := a.Storage.ChainStorage().GetChain(ctx, input.ChainID)
	if err != nil {
		return err
	}
	if chain.Status.IsTerminal() {
		return nil
	}
	switch models.ChainStatus(input.Status) {
	case models.ChainStatusFailed:
		chain.MarkFailed(input.ErrorMessage)
	case models.ChainStatusCancelled:
		chain.MarkCancelled()
	default:
		chain.MarkCompleted()
	}
	metrics.ChainsFinished.WithLabelValues(string(chain.Status)).Inc()
	return a.Storage.ChainStorage().SaveChain(ctx, chain)
}

// ResolveInput carries unresolved step parameters plus the prior results
type ResolveInput struct {
	Parameters  map[string]interface{}        `json:"parameters"`
	StepResults map[string]chains.StepResult  `json:"step_results"`
}

// ResolveTemplates substitutes step-result expressions into parameters
func (a *Activities) ResolveTemplates(ctx context.Context, input ResolveInput) (map[string]interface{}, error) {
	return chains.ResolveTemplates(input.Parameters, input.StepResults)
}

// ConditionInput carries a step condition plus the prior results
type ConditionInput struct {
	Condition   string                       `json:"condition"`
	StepResults map[string]chains.StepResult `json:"step_results"`
}

// EvaluateCondition decides whether a conditional step should run
func (a *Activities) EvaluateCondition(ctx context.Context, input ConditionInput) (bool, error) {
	return chains.EvaluateCondition(input.Condition, input.StepResults)
}

// ApplyInput binds resolved parameter values into a template
type ApplyInput struct {
	WorkflowName string                 `json:"workflow_name"`
	Parameters   map[string]interface{} `json:"parameters"`
}

// ApplyWorkflowParameters returns the bound workflow document. Control keys
// that steer the chain executor rather than the render job are stripped
// before binding.
func (a *Activities) ApplyWorkflowParameters(ctx context.Context, input ApplyInput) (map[string]interface{}, error) {
	overrides := make(map[string]interface{}, len(input.Parameters))
	for key, value := range input.Parameters {
		switch key {
		case "requires_approval", "approval":
			continue
		}
		overrides[key] = value
	}
	return a.Registry.ApplyOverrides(input.WorkflowName, overrides)
}

// TransferInput names the artifacts to push onto a target backend
type TransferInput struct {
	SourceJobID   string   `json:"source_job_id"`
	TargetJobID   string   `json:"target_job_id,omitempty"`
	TargetBackend string   `json:"target_backend"`
	ClientID      string   `json:"client_id"`
	ArtifactIDs   []string `json:"artifact_ids,omitempty"` // empty = latest only
	Subfolder     string   `json:"subfolder,omitempty"`
}

// TransferArtifacts uploads artifact bytes into the target backend's input
// folder so the next step can reference them by original filename. Uploads
// overwrite, so retries are safe; one ArtifactTransfer row records each file.
func (a *Activities) TransferArtifacts(ctx context.Context, input TransferInput) ([]string, error) {
	log := common.GetLogger()

	artifactIDs := input.ArtifactIDs
	if len(artifactIDs) == 0 {
		latest, err := a.Storage.ArtifactStorage().GetLatestArtifactForJob(ctx, input.SourceJobID)
		if err != nil {
			return nil, err
		}
		artifactIDs = []string{latest.ID}
	}

	client := a.NewClient(input.TargetBackend, input.ClientID)
	var uploaded []string
	for _, artifactID := range artifactIDs {
		artifact, err := a.Storage.ArtifactStorage().GetArtifact(ctx, artifactID)
		if err != nil {
			return nil, err
		}
		data, err := a.Files.Serve(artifact.LocalFilename)
		if err != nil {
			return nil, err
		}

		transfer := models.NewArtifactTransfer(artifact.ID, input.SourceJobID, input.TargetJobID, input.TargetBackend, input.Subfolder)
		if err := a.Storage.TransferStorage().SaveTransfer(ctx, transfer); err != nil {
			return nil, err
		}

		activity.RecordHeartbeat(ctx, artifact.OriginalFilename)
		if _, err := client.Upload(ctx, data, artifact.OriginalFilename, input.Subfolder, true); err != nil {
			transfer.MarkFailed(err.Error())
			if saveErr := a.Storage.TransferStorage().SaveTransfer(ctx, transfer); saveErr != nil {
				log.Warn().Err(saveErr).Str("transfer_id", transfer.ID).Msg("Failed to record transfer failure")
			}
			return nil, fmt.Errorf("failed to upload %s to %s: %w", artifact.OriginalFilename, input.TargetBackend, err)
		}

		transfer.MarkCompleted()
		if err := a.Storage.TransferStorage().SaveTransfer(ctx, transfer); err != nil {
			return nil, err
		}
		uploaded = append(uploaded, artifact.OriginalFilename)
		log.Debug().
			Str("artifact_id", artifact.ID).
			Str("target", input.TargetBackend).
			Msg("Artifact transferred")
	}
	return uploaded, nil
}

// ApprovalRequestInput creates a pending approval gate for an artifact
type ApprovalRequestInput struct {
	JobID            string                 `json:"job_id"`
	ChainID          string                 `json:"chain_id"`
	StepID           string                 `json:"step_id"`
	EngineWorkflowID string                 `json:"engine_workflow_id"`
	EngineRunID      string                 `json:"engine_run_id,omitempty"`
	WorkflowName     string                 `json:"workflow_name"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	Policy           chains.ApprovalPolicy  `json:"policy"`
}

// ApprovalRequestInfo is what the workflow needs to report the gate
type ApprovalRequestInfo struct {
	ApprovalID string     `json:"approval_id"`
	ArtifactID string     `json:"artifact_id"`
	Token      string     `json:"token"`
	ViewURL    string     `json:"view_url"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// CreateApprovalRequest inserts an ApprovalRequest row with a fresh token
// against the job's latest artifact.
func (a *Activities) CreateApprovalRequest(ctx context.Context, input ApprovalRequestInput) (*ApprovalRequestInfo, error) {
	artifact, err := a.Storage.ArtifactStorage().GetLatestArtifactForJob(ctx, input.JobID)
	if err != nil {
		return nil, fmt.Errorf("no artifact to approve for job %s: %w", input.JobID, err)
	}

	metadata := map[string]interface{}{
		"workflow_name": input.WorkflowName,
		"parameters":    input.Parameters,
		"approval_policy": map[string]interface{}{
			"timeout_hours":  input.Policy.TimeoutHours,
			"on_rejected":    input.Policy.OnRejected,
			"max_retries":    input.Policy.MaxRetries,
			"timeout_action": input.Policy.TimeoutAction,
		},
	}

	req := models.NewApprovalRequest(artifact.ID, input.EngineWorkflowID, "", a.Config.ApprovalLinkTTL(), metadata)
	req.ChainID = input.ChainID
	req.StepID = input.StepID
	req.EngineRunID = input.EngineRunID
	req.ViewURL = fmt.Sprintf("%s/approval/%s", a.Config.BaseURL(), req.Token)

	if err := a.Storage.ApprovalStorage().SaveApproval(ctx, req); err != nil {
		return nil, err
	}

	artifact.ApprovalStatus = models.ApprovalPending
	if err := a.Storage.ArtifactStorage().UpdateArtifact(ctx, artifact); err != nil {
		return nil, err
	}

	common.GetLogger().Info().
		Str("approval_id", req.ID).
		Str("artifact_id", artifact.ID).
		Str("chain_id", input.ChainID).
		Str("step_id", input.StepID).
		Msg("Approval request created")

	return &ApprovalRequestInfo{
		ApprovalID: req.ID,
		ArtifactID: artifact.ID,
		Token:      req.Token,
		ViewURL:    req.ViewURL,
		ExpiresAt:  req.LinkExpiresAt,
	}, nil
}

// RecordApprovalOutcome updates the artifact's approval status after the
// gate resolves (including timeout auto-decisions).
type ApprovalOutcomeInput struct {
	ArtifactID string `json:"artifact_id"`
	ApprovalID string `json:"approval_id"`
	Status     string `json:"status"` // approved, rejected, auto_approved
	DecidedBy  string `json:"decided_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (a *Activities) RecordApprovalOutcome(ctx context.Context, input ApprovalOutcomeInput) error {
	artifact, err := a.Storage.ArtifactStorage().GetArtifact(ctx, input.ArtifactID)
	if err != nil {
		return err
	}
	metrics.ApprovalDecisions.WithLabelValues(input.Status).Inc()
	now := time.Now().UTC()
	artifact.ApprovalStatus = models.ApprovalStatus(input.Status)
	artifact.Approver = input.DecidedBy
	artifact.DecidedAt = &now
	artifact.RejectionReason = input.Reason
	if err := a.Storage.ArtifactStorage().UpdateArtifact(ctx, artifact); err != nil {
		return err
	}

	// A timed-out gate also closes the pending request row
	if input.ApprovalID != "" {
		req, err := a.Storage.ApprovalStorage().GetApproval(ctx, input.ApprovalID)
		if err == nil && req.Status == models.ApprovalRequestPending {
			status := models.ApprovalRequestApproved
			if input.Status == string(models.ApprovalRejected) {
				status = models.ApprovalRequestRejected
			}
			req.Decide(status, input.DecidedBy)
			if err := a.Storage.ApprovalStorage().SaveApproval(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}
