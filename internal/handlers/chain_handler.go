// -----------------------------------------------------------------------
// ChainHandler - chain submission, inspection and cancellation
// -----------------------------------------------------------------------

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"go.temporal.io/sdk/client"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/fresco/internal/chains"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/registry"
	"github.com/ternarybob/fresco/internal/workflows"
)

// ChainHandler serves the /api/chains endpoints
type ChainHandler struct {
	storage  interfaces.StorageManager
	registry *registry.Registry
	temporal client.Client
	config   *common.Config
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewChainHandler creates the chain endpoint handler
func NewChainHandler(storage interfaces.StorageManager, reg *registry.Registry, temporalClient client.Client, config *common.Config) *ChainHandler {
	return &ChainHandler{
		storage:  storage,
		registry: reg,
		temporal: temporalClient,
		config:   config,
		validate: validator.New(),
		logger:   common.GetLogger(),
	}
}

// ChainExecuteRequest submits a chain for execution
type ChainExecuteRequest struct {
	Chain             chains.ChainSpec       `json:"chain" validate:"required"`
	InitialParameters map[string]interface{} `json:"initial_parameters,omitempty"`
}

// decodeChain accepts the chain body as JSON or YAML. YAML bodies go through
// a JSON round trip so both formats share one set of field names.
func (h *ChainHandler) decodeChain(w http.ResponseWriter, r *http.Request, out *ChainExecuteRequest) bool {
	if !strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return DecodeBody(w, r, out)
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid YAML: "+err.Error())
		return false
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// planRequest decodes and fully validates a chain submission, writing the
// violations response itself when planning fails. Every referenced template
// must exist before anything is scheduled.
func (h *ChainHandler) planRequest(w http.ResponseWriter, r *http.Request) (*chains.ExecutionPlan, *ChainExecuteRequest, bool) {
	var req ChainExecuteRequest
	if !h.decodeChain(w, r, &req) {
		return nil, nil, false
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}

	var violations []string
	for _, step := range req.Chain.Steps {
		if _, err := h.registry.Get(step.Workflow); err != nil {
			violations = append(violations, "step "+step.ID+": "+err.Error())
		}
	}
	if len(violations) > 0 {
		WriteValidationError(w, violations)
		return nil, nil, false
	}

	plan, err := chains.Plan(req.Chain)
	if err != nil {
		var verr *chains.ChainValidationError
		if errors.As(err, &verr) {
			WriteValidationError(w, verr.Violations)
			return nil, nil, false
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return nil, nil, false
	}
	return plan, &req, true
}

// ExecuteHandler validates the chain, plans it and starts the chain workflow.
// Planning failures come back as a structured list of violations so callers
// can fix a whole definition in one round trip.
func (h *ChainHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	plan, req, ok := h.planRequest(w, r)
	if !ok {
		return
	}

	run, err := h.temporal.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        "chain-" + uuid.New().String(),
		TaskQueue: h.config.Temporal.TaskQueue,
	}, workflows.ChainWorkflow, workflows.ChainRequest{
		Plan:              *plan,
		InitialParameters: req.InitialParameters,
	})
	if err != nil {
		WriteError(w, http.StatusBadGateway, "failed to start workflow: "+err.Error())
		return
	}

	h.logger.Info().
		Str("workflow_id", run.GetID()).
		Str("chain", req.Chain.Name).
		Int("levels", len(plan.Levels)).
		Msg("Chain workflow started")

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": run.GetID(),
		"run_id":      run.GetRunID(),
		"levels":      plan.Levels,
	})
}

// ValidateHandler dry-runs planning without starting anything
func (h *ChainHandler) ValidateHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	plan, _, ok := h.planRequest(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":  true,
		"chain":  plan.ChainName,
		"levels": plan.Levels,
		"steps":  len(plan.Nodes),
	})
}

// ListHandler returns chain rows, optionally filtered by status
func (h *ChainHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	limit, offset := GetLimitOffset(r)
	chainRows, err := h.storage.ChainStorage().ListChains(r.Context(), &interfaces.ChainListOptions{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"chains": chainRows,
		"count":  len(chainRows),
	})
}

// Routes dispatches /api/chains/{id}[/status|/jobs|/cancel]
func (h *ChainHandler) Routes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/chains/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteError(w, http.StatusNotFound, "chain id required")
		return
	}
	chainID := parts[0]

	switch {
	case len(parts) == 1:
		h.detail(w, r, chainID)
	case len(parts) == 2 && parts[1] == "status":
		h.status(w, r, chainID)
	case len(parts) == 2 && parts[1] == "jobs":
		h.jobs(w, r, chainID)
	case len(parts) == 2 && parts[1] == "cancel":
		h.cancel(w, r, chainID)
	default:
		WriteError(w, http.StatusNotFound, "unknown chain endpoint")
	}
}

func (h *ChainHandler) detail(w http.ResponseWriter, r *http.Request, chainID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	chain, err := h.storage.ChainStorage().GetChain(r.Context(), chainID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, chain)
}

// status merges the stored row with the workflow's live query snapshot
func (h *ChainHandler) status(w http.ResponseWriter, r *http.Request, chainID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	chain, err := h.storage.ChainStorage().GetChain(r.Context(), chainID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}

	response := map[string]interface{}{
		"chain_id":      chain.ID,
		"status":        chain.Status,
		"current_level": chain.CurrentLevel,
	}
	if !chain.Status.IsTerminal() {
		value, err := h.temporal.QueryWorkflow(r.Context(), chain.EngineWorkflowID, "", workflows.ChainStatusQuery)
		if err == nil {
			var state workflows.ChainState
			if err := value.Get(&state); err == nil {
				response["status"] = state.Status
				response["current_level"] = state.CurrentLevel
				response["step_statuses"] = state.StepStatuses
			}
		}
	}
	WriteJSON(w, http.StatusOK, response)
}

func (h *ChainHandler) jobs(w http.ResponseWriter, r *http.Request, chainID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	limit, offset := GetLimitOffset(r)
	jobs, err := h.storage.JobStorage().ListJobs(r.Context(), &interfaces.JobListOptions{
		ChainID: chainID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *ChainHandler) cancel(w http.ResponseWriter, r *http.Request, chainID string) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	chain, err := h.storage.ChainStorage().GetChain(r.Context(), chainID)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if chain.Status.IsTerminal() {
		WriteError(w, http.StatusConflict, "chain already finished")
		return
	}
	if err := h.temporal.CancelWorkflow(r.Context(), chain.EngineWorkflowID, ""); err != nil {
		WriteError(w, http.StatusBadGateway, "failed to cancel workflow: "+err.Error())
		return
	}
	h.logger.Info().Str("chain_id", chainID).Msg("Chain cancellation requested")
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
