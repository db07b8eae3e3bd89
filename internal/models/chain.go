// -----------------------------------------------------------------------
// Chain - one DAG execution across the render farm
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChainStatus represents the lifecycle state of a chain execution
type ChainStatus string

const (
	ChainStatusInitializing ChainStatus = "initializing"
	ChainStatusCompleted    ChainStatus = "completed"
	ChainStatusFailed       ChainStatus = "failed"
	ChainStatusCancelled    ChainStatus = "cancelled"
)

// ChainStatusExecutingLevel builds the per-level executing status ("executing_level_2")
func ChainStatusExecutingLevel(level int) ChainStatus {
	return ChainStatus(fmt.Sprintf("executing_level_%d", level))
}

// IsTerminal returns true for statuses that must never change again
func (s ChainStatus) IsTerminal() bool {
	return s == ChainStatusCompleted || s == ChainStatusFailed || s == ChainStatusCancelled
}

// Chain represents one chain execution (e.g. "image-edit-to-video-pipeline").
// The row is created when the chain workflow starts and retained indefinitely.
type Chain struct {
	ID          string `json:"id" badgerhold:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Durable-engine identifiers
	EngineWorkflowID string `json:"engine_workflow_id" badgerhold:"index"`
	EngineRunID      string `json:"engine_run_id,omitempty"`

	Status       ChainStatus `json:"status" badgerhold:"index"`
	CurrentLevel int         `json:"current_level"`

	// Definition is the chain DAG exactly as submitted
	Definition map[string]interface{} `json:"definition,omitempty"`

	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewChain creates a chain row in its initial state
func NewChain(name, engineWorkflowID, engineRunID string, definition map[string]interface{}) *Chain {
	now := time.Now().UTC()
	return &Chain{
		ID:               "chain_" + uuid.New().String(),
		Name:             name,
		EngineWorkflowID: engineWorkflowID,
		EngineRunID:      engineRunID,
		Status:           ChainStatusInitializing,
		Definition:       definition,
		StartedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// MarkCompleted marks the chain as completed
func (c *Chain) MarkCompleted() {
	now := time.Now().UTC()
	c.Status = ChainStatusCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
}

// MarkFailed marks the chain as failed with an error message
func (c *Chain) MarkFailed(errorMsg string) {
	now := time.Now().UTC()
	c.Status = ChainStatusFailed
	c.ErrorMessage = errorMsg
	c.CompletedAt = &now
	c.UpdatedAt = now
}

// MarkCancelled marks the chain as cancelled
func (c *Chain) MarkCancelled() {
	now := time.Now().UTC()
	c.Status = ChainStatusCancelled
	c.CompletedAt = &now
	c.UpdatedAt = now
}
