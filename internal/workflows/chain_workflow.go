// -----------------------------------------------------------------------
// ChainWorkflow - durable DAG execution with approval gates
// -----------------------------------------------------------------------

package workflows

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ternarybob/fresco/internal/activities"
	"github.com/ternarybob/fresco/internal/chains"
	"github.com/ternarybob/fresco/internal/models"
)

// Signal and query names on the chain workflow
const (
	ApprovalDecisionSignal = "approval_decision_signal"
	ChainStatusQuery       = "get_status"
)

// ChainRequest is the input to ChainWorkflow
type ChainRequest struct {
	Plan              chains.ExecutionPlan   `json:"plan"`
	InitialParameters map[string]interface{} `json:"initial_parameters,omitempty"`
}

// ApprovalDecision is the signal payload from the approval service. StepID
// routes the decision when several gates are pending; empty targets the only
// waiting gate.
type ApprovalDecision struct {
	StepID     string                 `json:"step_id,omitempty"`
	Decision   string                 `json:"decision"` // approved or rejected
	DecidedBy  string                 `json:"decided_by,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Comment    string                 `json:"comment,omitempty"`
}

// ChainResult is the workflow's outcome
type ChainResult struct {
	ChainID     string                       `json:"chain_id"`
	Status      string                       `json:"status"`
	StepResults map[string]chains.StepResult `json:"step_results"`
	Error       string                       `json:"error,omitempty"`
}

// ChainState is the snapshot served by the get_status query
type ChainState struct {
	ChainID      string            `json:"chain_id,omitempty"`
	Status       string            `json:"status"`
	CurrentLevel int               `json:"current_level"`
	StepStatuses map[string]string `json:"step_statuses"`
}

// chainRun carries the per-execution state shared by the step runners
type chainRun struct {
	chainID     string
	workflowID  string
	runID       string
	stepResults map[string]chains.StepResult
	decisions   map[string]*ApprovalDecision
	state       *ChainState
}

// ChainWorkflow executes a planned DAG level by level. Steps within a level
// run in parallel and only ever read results from earlier levels.
func ChainWorkflow(ctx workflow.Context, req ChainRequest) (*ChainResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *activities.Activities
	info := workflow.GetInfo(ctx)

	run := &chainRun{
		workflowID:  info.WorkflowExecution.ID,
		runID:       info.WorkflowExecution.RunID,
		stepResults: make(map[string]chains.StepResult),
		decisions:   make(map[string]*ApprovalDecision),
		state: &ChainState{
			Status:       "initializing",
			StepStatuses: make(map[string]string),
		},
	}

	if err := workflow.SetQueryHandler(ctx, ChainStatusQuery, func() (ChainState, error) {
		return *run.state, nil
	}); err != nil {
		return nil, err
	}

	// Pump approval signals into per-step slots; arrival is durable
	signalCh := workflow.GetSignalChannel(ctx, ApprovalDecisionSignal)
	workflow.Go(ctx, func(gctx workflow.Context) {
		for {
			var decision ApprovalDecision
			signalCh.Receive(gctx, &decision)
			run.decisions[decision.StepID] = &decision
		}
	})

	dbCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    5,
		},
	})

	definition := map[string]interface{}{"plan": req.Plan}
	err := workflow.ExecuteActivity(dbCtx, a.CreateChain, activities.CreateChainInput{
		Name:             req.Plan.ChainName,
		Description:      req.Plan.Description,
		EngineWorkflowID: run.workflowID,
		EngineRunID:      run.runID,
		Definition:       definition,
	}).Get(dbCtx, &run.chainID)
	if err != nil {
		return nil, err
	}
	run.state.ChainID = run.chainID

	finalize := func(status, errMsg string) *ChainResult {
		if err := workflow.ExecuteActivity(dbCtx, a.FinalizeChain, activities.FinalizeChainInput{
			ChainID:      run.chainID,
			Status:       status,
			ErrorMessage: errMsg,
		}).Get(dbCtx, nil); err != nil {
			logger.Error("Failed to finalize chain row", "error", err)
		}
		run.state.Status = status
		return &ChainResult{ChainID: run.chainID, Status: status, StepResults: run.stepResults, Error: errMsg}
	}

	for level, stepIDs := range req.Plan.Levels {
		run.state.Status = string(models.ChainStatusExecutingLevel(level))
		run.state.CurrentLevel = level
		if err := workflow.ExecuteActivity(dbCtx, a.UpdateChainLevel, run.chainID, level).Get(dbCtx, nil); err != nil {
			return finalize("failed", err.Error()), nil
		}

		// Every step in the level sees the same snapshot of prior results;
		// peers in the level never read each other.
		snapshot := make(map[string]chains.StepResult, len(run.stepResults))
		for id, result := range run.stepResults {
			snapshot[id] = result
		}

		levelResults := make(map[string]chains.StepResult, len(stepIDs))
		wg := workflow.NewWaitGroup(ctx)
		for _, stepID := range stepIDs {
			node := req.Plan.Nodes[stepID]
			wg.Add(1)
			workflow.Go(ctx, func(gctx workflow.Context) {
				defer wg.Done()
				run.state.StepStatuses[node.ID] = "executing"
				result := executeStep(gctx, run, node, req.InitialParameters, snapshot)
				levelResults[node.ID] = result
				run.state.StepStatuses[node.ID] = string(result.Status)
			})
		}
		wg.Wait(ctx)

		failed := ""
		for _, stepID := range stepIDs {
			result := levelResults[stepID]
			run.stepResults[stepID] = result
			if result.Status == chains.StepFailed && failed == "" {
				failed = fmt.Sprintf("step %s failed: %s", stepID, result.Error)
			}
		}
		if failed != "" {
			logger.Error("Chain level failed", "level", level, "error", failed)
			return finalize("failed", failed), nil
		}
	}

	logger.Info("Chain completed", "chain_id", run.chainID)
	return finalize("completed", ""), nil
}

// executeStep runs one node: condition, regeneration loop and approval gate
func executeStep(ctx workflow.Context, run *chainRun, node chains.ExecutionNode, initialParams map[string]interface{}, snapshot map[string]chains.StepResult) chains.StepResult {
	logger := workflow.GetLogger(ctx)
	var a *activities.Activities

	fail := func(err error) chains.StepResult {
		return chains.StepResult{StepID: node.ID, Status: chains.StepFailed, Error: err.Error()}
	}

	shortCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    2,
		},
	})

	// Condition gate
	if node.Condition != "" {
		var shouldRun bool
		err := workflow.ExecuteActivity(shortCtx, a.EvaluateCondition, activities.ConditionInput{
			Condition:   node.Condition,
			StepResults: snapshot,
		}).Get(shortCtx, &shouldRun)
		if err != nil {
			return fail(err)
		}
		if !shouldRun {
			logger.Info("Step condition false, skipping", "step", node.ID)
			return chains.StepResult{StepID: node.ID, Status: chains.StepSkipped}
		}
	}

	policy := chains.DefaultApprovalPolicy()
	if node.RequiresApproval() {
		var err error
		policy, err = node.ApprovalPolicy()
		if err != nil {
			return fail(err)
		}
	}

	retryCount := 0
	var regenParams map[string]interface{}

	for {
		// Merge chain-level defaults, the node's parameters and any
		// regeneration overrides from a prior rejection.
		params := make(map[string]interface{}, len(initialParams)+len(node.Parameters)+len(regenParams))
		for k, v := range initialParams {
			params[k] = v
		}
		for k, v := range node.Parameters {
			params[k] = v
		}
		for k, v := range regenParams {
			params[k] = v
		}

		var resolved map[string]interface{}
		err := workflow.ExecuteActivity(shortCtx, a.ResolveTemplates, activities.ResolveInput{
			Parameters:  params,
			StepResults: snapshot,
		}).Get(shortCtx, &resolved)
		if err != nil {
			return fail(err)
		}

		var bound map[string]interface{}
		err = workflow.ExecuteActivity(shortCtx, a.ApplyWorkflowParameters, activities.ApplyInput{
			WorkflowName: node.Workflow,
			Parameters:   resolved,
		}).Get(shortCtx, &bound)
		if err != nil {
			return fail(err)
		}

		selectCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    3,
			},
		})
		var backend string
		if err := workflow.ExecuteActivity(selectCtx, a.SelectBackend, "least_loaded").Get(selectCtx, &backend); err != nil {
			return fail(err)
		}

		var clientID string
		if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
			return uuid.New().String()
		}).Get(&clientID); err != nil {
			return fail(err)
		}

		// Make dependency outputs present on the target backend
		transferCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 5 * time.Minute,
			HeartbeatTimeout:    time.Minute,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    2 * time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    3,
			},
		})
		for _, depID := range node.Dependencies {
			dep, ok := snapshot[depID]
			if !ok || dep.JobID == "" {
				continue
			}
			err := workflow.ExecuteActivity(transferCtx, a.TransferArtifacts, activities.TransferInput{
				SourceJobID:   dep.JobID,
				TargetBackend: backend,
				ClientID:      clientID,
			}).Get(transferCtx, nil)
			if err != nil {
				return fail(fmt.Errorf("artifact transfer from step %s failed: %w", depID, err))
			}
		}

		dbCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    5,
			},
		})
		var jobID string
		err = workflow.ExecuteActivity(dbCtx, a.CreateJob, activities.CreateJobInput{
			ChainID:      run.chainID,
			StepID:       node.ID,
			WorkflowName: node.Workflow,
			Backend:      backend,
			Definition:   bound,
			Parameters:   resolved,
		}).Get(dbCtx, &jobID)
		if err != nil {
			return fail(err)
		}

		// Run the render as a child workflow
		childID := fmt.Sprintf("%s-%s", run.workflowID, node.ID)
		if retryCount > 0 {
			childID = fmt.Sprintf("%s-r%d", childID, retryCount)
		}
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: childID,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    10 * time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    2,
			},
		})
		var jobResult JobResult
		err = workflow.ExecuteChildWorkflow(childCtx, JobWorkflow, JobRequest{
			WorkflowJSON:       bound,
			WorkflowName:       node.Workflow,
			PreSelectedBackend: backend,
			JobID:              jobID,
		}).Get(childCtx, &jobResult)
		if err != nil {
			return fail(fmt.Errorf("job workflow failed: %w", err))
		}

		jobStatus := string(models.JobStatusCompleted)
		if jobResult.Status != "completed" {
			jobStatus = string(models.JobStatusFailed)
		}
		err = workflow.ExecuteActivity(dbCtx, a.UpdateJobStatus, activities.UpdateJobStatusInput{
			JobID:        jobID,
			Status:       jobStatus,
			ErrorMessage: jobResult.Error,
		}).Get(dbCtx, nil)
		if err != nil {
			return fail(err)
		}
		if jobResult.Status != "completed" {
			return chains.StepResult{
				StepID:        node.ID,
				Status:        chains.StepFailed,
				Parameters:    resolved,
				ServerAddress: backend,
				JobID:         jobID,
				Error:         jobResult.Error,
			}
		}

		result := chains.StepResult{
			StepID:        node.ID,
			Status:        chains.StepCompleted,
			Output:        jobResult.Output,
			Parameters:    resolved,
			ServerAddress: backend,
			JobID:         jobID,
		}

		if !node.RequiresApproval() {
			return result
		}

		// Approval gate: create the request, wait for a decision or timeout
		var approval activities.ApprovalRequestInfo
		err = workflow.ExecuteActivity(dbCtx, a.CreateApprovalRequest, activities.ApprovalRequestInput{
			JobID:            jobID,
			ChainID:          run.chainID,
			StepID:           node.ID,
			EngineWorkflowID: run.workflowID,
			EngineRunID:      run.runID,
			WorkflowName:     node.Workflow,
			Parameters:       resolved,
			Policy:           policy,
		}).Get(dbCtx, &approval)
		if err != nil {
			return fail(err)
		}

		delete(run.decisions, node.ID)
		delete(run.decisions, "")

		run.state.StepStatuses[node.ID] = "awaiting_approval"
		logger.Info("Awaiting approval", "step", node.ID, "view_url", approval.ViewURL)

		timeout := time.Duration(policy.TimeoutHours) * time.Hour
		decided, err := workflow.AwaitWithTimeout(ctx, timeout, func() bool {
			return run.decisions[node.ID] != nil || run.decisions[""] != nil
		})
		if err != nil {
			return fail(err)
		}

		var decision *ApprovalDecision
		if decided {
			decision = run.decisions[node.ID]
			if decision == nil {
				decision = run.decisions[""]
				delete(run.decisions, "")
			} else {
				delete(run.decisions, node.ID)
			}
		} else {
			// Timed out: apply the policy's automatic decision
			logger.Info("Approval timed out", "step", node.ID, "action", policy.TimeoutAction)
			if policy.TimeoutAction == chains.TimeoutAutoApprove {
				err = workflow.ExecuteActivity(dbCtx, a.RecordApprovalOutcome, activities.ApprovalOutcomeInput{
					ArtifactID: approval.ArtifactID,
					ApprovalID: approval.ApprovalID,
					Status:     string(models.ApprovalAutoApproved),
					DecidedBy:  "system:timeout",
				}).Get(dbCtx, nil)
				if err != nil {
					return fail(err)
				}
				return result
			}
			decision = &ApprovalDecision{Decision: "rejected", DecidedBy: "system:timeout", Comment: "approval timed out"}
		}

		if decision.Decision == "approved" {
			err = workflow.ExecuteActivity(dbCtx, a.RecordApprovalOutcome, activities.ApprovalOutcomeInput{
				ArtifactID: approval.ArtifactID,
				ApprovalID: approval.ApprovalID,
				Status:     string(models.ApprovalApproved),
				DecidedBy:  decision.DecidedBy,
			}).Get(dbCtx, nil)
			if err != nil {
				return fail(err)
			}
			return result
		}

		// Rejected
		err = workflow.ExecuteActivity(dbCtx, a.RecordApprovalOutcome, activities.ApprovalOutcomeInput{
			ArtifactID: approval.ArtifactID,
			ApprovalID: approval.ApprovalID,
			Status:     string(models.ApprovalRejected),
			DecidedBy:  decision.DecidedBy,
			Reason:     decision.Comment,
		}).Get(dbCtx, nil)
		if err != nil {
			return fail(err)
		}

		switch {
		case policy.OnRejected == chains.OnRejectedRegenerate && retryCount < policy.MaxRetries:
			retryCount++
			regenParams = decision.Parameters
			logger.Info("Regenerating after rejection", "step", node.ID, "attempt", retryCount)
			continue
		case policy.OnRejected == chains.OnRejectedSkip:
			err = workflow.ExecuteActivity(dbCtx, a.UpdateJobStatus, activities.UpdateJobStatusInput{
				JobID:  jobID,
				Status: string(models.JobStatusSkipped),
			}).Get(dbCtx, nil)
			if err != nil {
				return fail(err)
			}
			return chains.StepResult{StepID: node.ID, Status: chains.StepSkipped, JobID: jobID}
		default:
			return chains.StepResult{
				StepID: node.ID,
				Status: chains.StepFailed,
				JobID:  jobID,
				Error:  fmt.Sprintf("rejected by %s: %s", decision.DecidedBy, decision.Comment),
			}
		}
	}
}
