// -----------------------------------------------------------------------
// Job - one render submission to one backend, standalone or chain step
// -----------------------------------------------------------------------

package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a render job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusExecuting JobStatus = "executing"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusSkipped   JobStatus = "skipped"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true for statuses that must never change again
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return true
	}
	return false
}

// Job represents one render on one backend. ChainID and StepID are empty for
// standalone jobs; when both are set the pair is unique across the store.
// BackendPromptID is the backend's opaque id and is only unique per backend,
// so lookups always pair it with BackendAddress.
type Job struct {
	ID      string `json:"id" badgerhold:"key"`
	ChainID string `json:"chain_id,omitempty" badgerhold:"index"`
	StepID  string `json:"step_id,omitempty"`

	WorkflowName    string `json:"workflow_name"`
	BackendAddress  string `json:"backend_address"`
	BackendPromptID string `json:"backend_prompt_id,omitempty" badgerhold:"index"`

	Status JobStatus `json:"status" badgerhold:"index"`

	// Definition is the fully-bound workflow JSON sent to the backend;
	// Parameters are the resolved overrides that produced it.
	Definition map[string]interface{} `json:"definition,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	LatestArtifactID string `json:"latest_artifact_id,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a job row in the queued state
func NewJob(workflowName, backendAddress string, definition, parameters map[string]interface{}) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:             "job_" + uuid.New().String(),
		WorkflowName:   workflowName,
		BackendAddress: backendAddress,
		Status:         JobStatusQueued,
		Definition:     definition,
		Parameters:     parameters,
		QueuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewChainJob creates a job row bound to a chain step
func NewChainJob(chainID, stepID, workflowName, backendAddress string, definition, parameters map[string]interface{}) *Job {
	job := NewJob(workflowName, backendAddress, definition, parameters)
	job.ChainID = chainID
	job.StepID = stepID
	return job
}

// MarkExecuting binds the job to the backend that accepted it and flips it
// to executing. The (backend, prompt id) pair is the lookup key for status
// updates, so both sides are written together.
func (j *Job) MarkExecuting(backendAddress, promptID string) {
	now := time.Now().UTC()
	j.Status = JobStatusExecuting
	j.BackendAddress = backendAddress
	j.BackendPromptID = promptID
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted marks the job as completed
func (j *Job) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkFailed marks the job as failed with the backend's error verbatim
func (j *Job) MarkFailed(errorMsg string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.ErrorMessage = errorMsg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkSkipped marks the job as skipped (condition false or approval skip)
func (j *Job) MarkSkipped() {
	now := time.Now().UTC()
	j.Status = JobStatusSkipped
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// MarkCancelled marks the job as cancelled
func (j *Job) MarkCancelled() {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	j.UpdatedAt = now
}
