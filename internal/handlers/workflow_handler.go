// -----------------------------------------------------------------------
// WorkflowHandler - template listing and single-job execution
// -----------------------------------------------------------------------

package handlers

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"go.temporal.io/sdk/client"

	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/models"
	"github.com/ternarybob/fresco/internal/registry"
	"github.com/ternarybob/fresco/internal/workflows"
)

// WorkflowHandler serves template discovery and job submission
type WorkflowHandler struct {
	registry *registry.Registry
	storage  interfaces.StorageManager
	temporal client.Client
	config   *common.Config
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewWorkflowHandler creates the workflow endpoint handler
func NewWorkflowHandler(reg *registry.Registry, storage interfaces.StorageManager, temporalClient client.Client, config *common.Config) *WorkflowHandler {
	return &WorkflowHandler{
		registry: reg,
		storage:  storage,
		temporal: temporalClient,
		config:   config,
		validate: validator.New(),
		logger:   common.GetLogger(),
	}
}

// ListHandler returns the loaded template names
func (h *WorkflowHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"workflows": h.registry.Names()})
}

// Routes dispatches /api/workflows/{name}[/parameters]
func (h *WorkflowHandler) Routes(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/workflows/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		h.detail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "parameters":
		h.parameters(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		h.status(w, r, parts[0])
	default:
		WriteError(w, http.StatusNotFound, "unknown workflow endpoint")
	}
}

// status queries a running job workflow for its live state
func (h *WorkflowHandler) status(w http.ResponseWriter, r *http.Request, workflowID string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	value, err := h.temporal.QueryWorkflow(r.Context(), workflowID, "", workflows.JobStatusQuery)
	if err != nil {
		WriteError(w, http.StatusNotFound, "workflow not found: "+err.Error())
		return
	}
	var state workflows.JobState
	if err := value.Get(&state); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": workflowID,
		"state":       state,
	})
}

func (h *WorkflowHandler) detail(w http.ResponseWriter, r *http.Request, name string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tpl, err := h.registry.Get(name)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"name":       tpl.Name,
		"hash":       tpl.Hash,
		"output":     tpl.Output,
		"parameters": tpl.Parameters,
	})
}

func (h *WorkflowHandler) parameters(w http.ResponseWriter, r *http.Request, name string) {
	if !RequireMethod(w, r, "GET") {
		return
	}
	tpl, err := h.registry.Get(name)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"parameters": tpl.Parameters})
}

// ExecuteRequest submits one template for rendering
type ExecuteRequest struct {
	WorkflowName string                 `json:"workflow_name" validate:"required"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Strategy     string                 `json:"strategy,omitempty"`
	Ephemeral    bool                   `json:"ephemeral,omitempty"`
}

// ExecuteHandler binds parameters, records a job row and starts the durable
// job workflow. Ephemeral requests skip the job row; their outputs are
// downloaded but not tracked.
func (h *WorkflowHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}
	var req ExecuteRequest
	if !DecodeBody(w, r, &req) {
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	tpl, err := h.registry.Get(req.WorkflowName)
	if err != nil {
		WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	if violations := ValidateParameters(tpl, req.Parameters); len(violations) > 0 {
		WriteValidationError(w, violations)
		return
	}
	bound, err := h.registry.ApplyOverrides(req.WorkflowName, req.Parameters)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := ""
	if !req.Ephemeral {
		job := models.NewJob(req.WorkflowName, "", bound, req.Parameters)
		if err := h.storage.JobStorage().SaveJob(r.Context(), job); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobID = job.ID
	}

	run, err := h.temporal.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        "job-" + uuid.New().String(),
		TaskQueue: h.config.Temporal.TaskQueue,
	}, workflows.JobWorkflow, workflows.JobRequest{
		WorkflowJSON: bound,
		Strategy:     req.Strategy,
		WorkflowName: req.WorkflowName,
		JobID:        jobID,
	})
	if err != nil {
		WriteError(w, http.StatusBadGateway, "failed to start workflow: "+err.Error())
		return
	}

	h.logger.Info().
		Str("workflow_id", run.GetID()).
		Str("template", req.WorkflowName).
		Str("job_id", jobID).
		Msg("Job workflow started")

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": run.GetID(),
		"run_id":      run.GetRunID(),
		"job_id":      jobID,
	})
}
