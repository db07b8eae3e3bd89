// -----------------------------------------------------------------------
// JobWorkflow - durable execution of one render job on one backend
// -----------------------------------------------------------------------

package workflows

import (
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/ternarybob/fresco/internal/activities"
	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/models"
)

// Signal and query names on the job workflow
const (
	JobCancelSignal = "cancel"
	JobStatusQuery  = "get_status"
)

// JobRequest is the input to JobWorkflow
type JobRequest struct {
	WorkflowJSON       map[string]interface{} `json:"workflow_json"`
	Strategy           string                 `json:"strategy,omitempty"`
	WorkflowName       string                 `json:"workflow_name,omitempty"`
	PreSelectedBackend string                 `json:"pre_selected_backend,omitempty"`
	JobID              string                 `json:"job_id,omitempty"`
}

// JobResult is the workflow's outcome. A backend failure is reported here,
// not as a workflow error, so the caller decides what a failed render means.
type JobResult struct {
	Status       string                      `json:"status"` // completed, failed, interrupted, cancelled
	PromptID     string                      `json:"prompt_id,omitempty"`
	Backend      string                      `json:"backend,omitempty"`
	Output       map[string]interface{}      `json:"output,omitempty"`
	Files        []activities.DownloadedFile `json:"files,omitempty"`
	LocalPreview string                      `json:"local_preview,omitempty"`
	Error        string                      `json:"error,omitempty"`
}

// JobState is the snapshot served by the get_status query
type JobState struct {
	Status      string `json:"status"`
	Backend     string `json:"backend,omitempty"`
	PromptID    string `json:"prompt_id,omitempty"`
	CurrentNode string `json:"current_node,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Error       string `json:"error,omitempty"`
}

// JobWorkflow submits one workflow document to a backend, tracks it to a
// definitive outcome and downloads its outputs.
func JobWorkflow(ctx workflow.Context, req JobRequest) (*JobResult, error) {
	logger := workflow.GetLogger(ctx)
	var a *activities.Activities

	state := JobState{Status: "initializing"}
	if err := workflow.SetQueryHandler(ctx, JobStatusQuery, func() (JobState, error) {
		return state, nil
	}); err != nil {
		return nil, err
	}

	// The cancel signal propagates to in-flight activities through context
	// cancellation; the tracker closes its websocket and stops polling.
	ctx, cancelWork := workflow.WithCancel(ctx)
	cancelCh := workflow.GetSignalChannel(ctx, JobCancelSignal)
	workflow.Go(ctx, func(gctx workflow.Context) {
		cancelCh.Receive(gctx, nil)
		state.Status = "cancelling"
		cancelWork()
	})

	// The job row must reach a terminal status no matter how the workflow
	// ends, or listings report phantom executing jobs and the sweeper never
	// releases their files. A disconnected context keeps the write possible
	// after cancellation.
	recordJob := func(status models.JobStatus, errMsg string) {
		if req.JobID == "" {
			return
		}
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		dbCtx := workflow.WithActivityOptions(cleanupCtx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    5,
			},
		})
		if err := workflow.ExecuteActivity(dbCtx, a.UpdateJobStatus, activities.UpdateJobStatusInput{
			JobID:        req.JobID,
			Status:       string(status),
			ErrorMessage: errMsg,
		}).Get(dbCtx, nil); err != nil {
			logger.Error("Failed to record job status", "job_id", req.JobID, "error", err)
		}
	}

	// Deterministic client id for this execution
	var clientID string
	if err := workflow.SideEffect(ctx, func(workflow.Context) interface{} {
		return uuid.New().String()
	}).Get(&clientID); err != nil {
		return nil, err
	}

	// Backend selection
	backend := req.PreSelectedBackend
	if backend == "" {
		selectCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: 30 * time.Second,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    time.Second,
				BackoffCoefficient: 2,
				MaximumAttempts:    3,
			},
		})
		if err := workflow.ExecuteActivity(selectCtx, a.SelectBackend, req.Strategy).Get(selectCtx, &backend); err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			recordJob(models.JobStatusFailed, err.Error())
			return &JobResult{Status: "failed", Error: err.Error()}, nil
		}
	}
	state.Backend = backend
	state.Status = "executing"
	logger.Info("Executing render job", "backend", backend, "workflow", req.WorkflowName)

	// Submit and track
	trackCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    2,
		},
	})
	var executed activities.ExecuteResult
	err := workflow.ExecuteActivity(trackCtx, a.ExecuteAndTrack, activities.ExecuteInput{
		Backend:      backend,
		ClientID:     clientID,
		Workflow:     req.WorkflowJSON,
		WorkflowName: req.WorkflowName,
		JobID:        req.JobID,
	}).Get(trackCtx, &executed)
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
		if temporal.IsCanceledError(err) {
			state.Status = "cancelled"
			recordJob(models.JobStatusCancelled, "")
			return &JobResult{Status: "cancelled", Backend: backend}, nil
		}
		recordJob(models.JobStatusFailed, err.Error())
		return &JobResult{Status: "failed", Backend: backend, Error: err.Error()}, nil
	}
	state.PromptID = executed.PromptID

	switch executed.Tracking.Status {
	case comfy.TrackingSuccess:
	case comfy.TrackingInterrupted:
		state.Status = "interrupted"
		recordJob(models.JobStatusFailed, executed.Tracking.Error)
		return &JobResult{Status: "interrupted", PromptID: executed.PromptID, Backend: backend, Error: executed.Tracking.Error}, nil
	default:
		state.Status = "failed"
		state.Error = executed.Tracking.Error
		recordJob(models.JobStatusFailed, executed.Tracking.Error)
		return &JobResult{Status: "failed", PromptID: executed.PromptID, Backend: backend, Error: executed.Tracking.Error}, nil
	}

	// Flatten the history record into downloadable file references
	extractCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    2,
		},
	})
	var files []activities.OutputFileRef
	if executed.Tracking.History != nil {
		if err := workflow.ExecuteActivity(extractCtx, a.ExtractOutputFiles, *executed.Tracking.History).Get(extractCtx, &files); err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			recordJob(models.JobStatusFailed, err.Error())
			return &JobResult{Status: "failed", PromptID: executed.PromptID, Backend: backend, Error: err.Error()}, nil
		}
	}

	state.Status = "downloading"
	downloadCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumAttempts:    3,
		},
	})
	var downloaded activities.DownloadResult
	downloadInput := activities.DownloadInput{
		JobID:    req.JobID,
		Backend:  backend,
		ClientID: clientID,
		Files:    files,
	}
	downloadFn := a.DownloadOnly
	if req.JobID != "" {
		downloadFn = a.DownloadAndPersist
	}
	if len(files) > 0 {
		if err := workflow.ExecuteActivity(downloadCtx, downloadFn, downloadInput).Get(downloadCtx, &downloaded); err != nil {
			state.Status = "failed"
			state.Error = err.Error()
			recordJob(models.JobStatusFailed, err.Error())
			return &JobResult{Status: "failed", PromptID: executed.PromptID, Backend: backend, Error: err.Error()}, nil
		}
	}

	var output map[string]interface{}
	if req.WorkflowName != "" && len(files) > 0 {
		if err := workflow.ExecuteActivity(extractCtx, a.StructuredOutput, req.WorkflowName, files).Get(extractCtx, &output); err != nil {
			logger.Warn("Structured output unavailable", "error", err)
		}
	}

	state.Status = "completed"
	recordJob(models.JobStatusCompleted, "")
	return &JobResult{
		Status:       "completed",
		PromptID:     executed.PromptID,
		Backend:      backend,
		Output:       output,
		Files:        downloaded.Files,
		LocalPreview: downloaded.LocalPreview,
	}, nil
}
