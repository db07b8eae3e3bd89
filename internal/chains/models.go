// -----------------------------------------------------------------------
// Chain definitions, execution plans and step results
// -----------------------------------------------------------------------

package chains

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepStatus is the outcome of one chain step
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ChainSpec is a user-submitted chain definition
type ChainSpec struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description,omitempty"`
	Steps       []ChainStep `json:"steps" validate:"required,min=1,dive"`
}

// ChainStep is one node of the submitted DAG
type ChainStep struct {
	ID          string                 `json:"id" validate:"required"`
	Workflow    string                 `json:"workflow" validate:"required"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Condition   string                 `json:"condition,omitempty"`
	Description string                 `json:"description,omitempty"`
}

// ExecutionNode is one planned step with its level assignment
type ExecutionNode struct {
	ID           string                 `json:"id"`
	Workflow     string                 `json:"workflow"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Condition    string                 `json:"condition,omitempty"`
	Level        int                    `json:"level"`
}

// ExecutionPlan is the planner's output: a serialisable value the chain
// workflow receives as input. Levels[i] holds the step ids runnable once
// every id in earlier levels has finished.
type ExecutionPlan struct {
	ChainName   string                   `json:"chain_name"`
	Description string                   `json:"description,omitempty"`
	Nodes       map[string]ExecutionNode `json:"nodes"`
	Levels      [][]string               `json:"levels"`
}

// MaxLevel returns the index of the last level
func (p *ExecutionPlan) MaxLevel() int {
	return len(p.Levels) - 1
}

// StepResult is the recorded outcome of one executed step
type StepResult struct {
	StepID        string                 `json:"step_id"`
	Status        StepStatus             `json:"status"`
	Output        map[string]interface{} `json:"output,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	ServerAddress string                 `json:"server_address,omitempty"`
	JobID         string                 `json:"job_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// Rejection actions an approval policy can choose
const (
	OnRejectedStop       = "stop"
	OnRejectedSkip       = "skip"
	OnRejectedRegenerate = "regenerate"
)

// Timeout actions when an approval gate expires
const (
	TimeoutAutoApprove = "auto_approve"
	TimeoutAutoReject  = "auto_reject"
)

// ApprovalPolicy governs a step's human-approval gate
type ApprovalPolicy struct {
	TimeoutHours  int    `json:"timeout_hours"`
	OnRejected    string `json:"on_rejected"`
	MaxRetries    int    `json:"max_retries"`
	TimeoutAction string `json:"timeout_action"`
}

// DefaultApprovalPolicy returns the policy used when a step enables
// approval without tuning it
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		TimeoutHours:  24,
		OnRejected:    OnRejectedStop,
		MaxRetries:    0,
		TimeoutAction: TimeoutAutoReject,
	}
}

// RequiresApproval reports whether the node's parameters enable the gate
func (n ExecutionNode) RequiresApproval() bool {
	v, ok := n.Parameters["requires_approval"]
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}

// ApprovalPolicy reads the node's approval policy, filling defaults for
// absent fields and rejecting unusable values.
func (n ExecutionNode) ApprovalPolicy() (ApprovalPolicy, error) {
	policy := DefaultApprovalPolicy()
	raw, ok := n.Parameters["approval"]
	if !ok {
		return policy, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return policy, fmt.Errorf("invalid approval policy: %w", err)
	}
	var overlay struct {
		TimeoutHours  *int    `json:"timeout_hours"`
		OnRejected    *string `json:"on_rejected"`
		MaxRetries    *int    `json:"max_retries"`
		TimeoutAction *string `json:"timeout_action"`
	}
	if err := json.Unmarshal(encoded, &overlay); err != nil {
		return policy, fmt.Errorf("invalid approval policy: %w", err)
	}

	if overlay.TimeoutHours != nil {
		policy.TimeoutHours = *overlay.TimeoutHours
	}
	if overlay.OnRejected != nil {
		policy.OnRejected = *overlay.OnRejected
	}
	if overlay.MaxRetries != nil {
		policy.MaxRetries = *overlay.MaxRetries
	}
	if overlay.TimeoutAction != nil {
		policy.TimeoutAction = *overlay.TimeoutAction
	}

	if policy.TimeoutHours <= 0 {
		return policy, fmt.Errorf("approval timeout_hours must be positive")
	}
	switch policy.OnRejected {
	case OnRejectedStop, OnRejectedSkip, OnRejectedRegenerate:
	default:
		return policy, fmt.Errorf("invalid approval on_rejected %q", policy.OnRejected)
	}
	switch policy.TimeoutAction {
	case TimeoutAutoApprove, TimeoutAutoReject:
	default:
		return policy, fmt.Errorf("invalid approval timeout_action %q", policy.TimeoutAction)
	}
	return policy, nil
}
