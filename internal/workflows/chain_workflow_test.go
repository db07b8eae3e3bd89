package workflows

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"

	"github.com/ternarybob/fresco/internal/activities"
	"github.com/ternarybob/fresco/internal/chains"
)

type ChainWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
}

func TestChainWorkflowSuite(t *testing.T) {
	suite.Run(t, new(ChainWorkflowTestSuite))
}

// linearPlan builds generate -> upscale, the smallest two-level chain
func linearPlan() chains.ExecutionPlan {
	return chains.ExecutionPlan{
		ChainName: "image-pipeline",
		Nodes: map[string]chains.ExecutionNode{
			"generate": {ID: "generate", Workflow: "txt2img", Level: 0,
				Parameters: map[string]interface{}{"6.text": "a lighthouse"}},
			"upscale": {ID: "upscale", Workflow: "upscale", Level: 1,
				Dependencies: []string{"generate"},
				Parameters:   map[string]interface{}{"1.image": "{{generate.output.image}}"}},
		},
		Levels: [][]string{{"generate"}, {"upscale"}},
	}
}

func singleStepPlan(node chains.ExecutionNode) chains.ExecutionPlan {
	node.Level = 0
	return chains.ExecutionPlan{
		ChainName: "one-step",
		Nodes:     map[string]chains.ExecutionNode{node.ID: node},
		Levels:    [][]string{{node.ID}},
	}
}

// chainRecorder observes the bookkeeping activity calls in execution order
type chainRecorder struct {
	jobs     []string
	resolved []map[string]interface{}
}

// mockChainPlumbing installs the bookkeeping activities every chain run needs
func (s *ChainWorkflowTestSuite) mockChainPlumbing(env *testsuite.TestWorkflowEnvironment) *chainRecorder {
	var a *activities.Activities
	rec := &chainRecorder{}

	env.OnActivity(a.CreateChain, mock.Anything, mock.Anything).Return("chain_1", nil)
	env.OnActivity(a.UpdateChainLevel, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.FinalizeChain, mock.Anything, mock.Anything).Return(nil)
	env.OnActivity(a.ResolveTemplates, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input activities.ResolveInput) (map[string]interface{}, error) {
			rec.resolved = append(rec.resolved, input.Parameters)
			return input.Parameters, nil
		})
	env.OnActivity(a.ApplyWorkflowParameters, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input activities.ApplyInput) (map[string]interface{}, error) {
			return map[string]interface{}{"workflow": input.WorkflowName}, nil
		})
	env.OnActivity(a.SelectBackend, mock.Anything, mock.Anything).Return("http://backend-1:8188", nil)
	env.OnActivity(a.TransferArtifacts, mock.Anything, mock.Anything).Return([]string{"out.png"}, nil)
	env.OnActivity(a.CreateJob, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input activities.CreateJobInput) (string, error) {
			rec.jobs = append(rec.jobs, input.StepID)
			return "job_" + input.StepID, nil
		})
	env.OnActivity(a.UpdateJobStatus, mock.Anything, mock.Anything).Return(nil)
	return rec
}

func (s *ChainWorkflowTestSuite) mockChildSuccess(env *testsuite.TestWorkflowEnvironment) {
	env.RegisterWorkflow(JobWorkflow)
	env.OnWorkflow(JobWorkflow, mock.Anything, mock.Anything).Return(
		func(ctx workflow.Context, req JobRequest) (*JobResult, error) {
			return &JobResult{
				Status:  "completed",
				Backend: req.PreSelectedBackend,
				Output:  map[string]interface{}{"image": "out.png", "type": "image"},
			}, nil
		})
}

func (s *ChainWorkflowTestSuite) Test_LevelsRunInOrder() {
	env := s.NewTestWorkflowEnvironment()
	rec := s.mockChainPlumbing(env)
	s.mockChildSuccess(env)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: linearPlan()})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal("chain_1", result.ChainID)
	s.Equal(chains.StepCompleted, result.StepResults["generate"].Status)
	s.Equal(chains.StepCompleted, result.StepResults["upscale"].Status)
	s.Equal([]string{"generate", "upscale"}, rec.jobs, "dependent step must run after its producer")
}

func (s *ChainWorkflowTestSuite) Test_FailedStepStopsTheChain() {
	env := s.NewTestWorkflowEnvironment()
	s.mockChainPlumbing(env)
	env.RegisterWorkflow(JobWorkflow)
	env.OnWorkflow(JobWorkflow, mock.Anything, mock.Anything).Return(
		&JobResult{Status: "failed", Error: "CUDA out of memory"}, nil)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: linearPlan()})

	s.True(env.IsWorkflowCompleted())
	s.NoError(env.GetWorkflowError())

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("failed", result.Status)
	s.Contains(result.Error, "generate")
	s.Contains(result.Error, "CUDA out of memory")
	_, ran := result.StepResults["upscale"]
	s.False(ran, "downstream level must not start after a failure")
}

func (s *ChainWorkflowTestSuite) Test_ConditionFalseSkipsStep() {
	env := s.NewTestWorkflowEnvironment()
	var a *activities.Activities
	s.mockChainPlumbing(env)
	s.mockChildSuccess(env)
	env.OnActivity(a.EvaluateCondition, mock.Anything, mock.Anything).Return(false, nil)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(chains.ExecutionNode{
		ID:        "optional",
		Workflow:  "upscale",
		Condition: "{{generate.status}} == 'completed'",
	})})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal(chains.StepSkipped, result.StepResults["optional"].Status)
	env.AssertNotCalled(s.T(), "SelectBackend", mock.Anything, mock.Anything)
}

func approvalNode(policy map[string]interface{}) chains.ExecutionNode {
	params := map[string]interface{}{
		"6.text":            "hero shot",
		"requires_approval": true,
	}
	if policy != nil {
		params["approval"] = policy
	}
	return chains.ExecutionNode{ID: "hero", Workflow: "txt2img", Parameters: params}
}

func (s *ChainWorkflowTestSuite) mockApprovalGate(env *testsuite.TestWorkflowEnvironment) *[]activities.ApprovalOutcomeInput {
	var a *activities.Activities
	outcomes := &[]activities.ApprovalOutcomeInput{}

	env.OnActivity(a.CreateApprovalRequest, mock.Anything, mock.Anything).Return(&activities.ApprovalRequestInfo{
		ApprovalID: "apr_1",
		ArtifactID: "art_1",
		Token:      "tok",
		ViewURL:    "http://localhost:8085/approval/tok",
	}, nil)
	env.OnActivity(a.RecordApprovalOutcome, mock.Anything, mock.Anything).Return(
		func(ctx context.Context, input activities.ApprovalOutcomeInput) error {
			*outcomes = append(*outcomes, input)
			return nil
		})
	return outcomes
}

func (s *ChainWorkflowTestSuite) Test_ApprovalGateApproved() {
	env := s.NewTestWorkflowEnvironment()
	s.mockChainPlumbing(env)
	s.mockChildSuccess(env)
	outcomes := s.mockApprovalGate(env)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalDecisionSignal, ApprovalDecision{
			StepID:    "hero",
			Decision:  "approved",
			DecidedBy: "alice",
		})
	}, time.Minute)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(approvalNode(nil))})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal(chains.StepCompleted, result.StepResults["hero"].Status)
	s.Require().Len(*outcomes, 1)
	s.Equal("approved", (*outcomes)[0].Status)
	s.Equal("alice", (*outcomes)[0].DecidedBy)
}

func (s *ChainWorkflowTestSuite) Test_RejectionRegeneratesWithNewParameters() {
	env := s.NewTestWorkflowEnvironment()
	rec := s.mockChainPlumbing(env)
	outcomes := s.mockApprovalGate(env)
	s.mockChildSuccess(env)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalDecisionSignal, ApprovalDecision{
			StepID:     "hero",
			Decision:   "rejected",
			DecidedBy:  "alice",
			Comment:    "wrong composition",
			Parameters: map[string]interface{}{"3.seed": 99},
		})
	}, time.Minute)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalDecisionSignal, ApprovalDecision{
			StepID:    "hero",
			Decision:  "approved",
			DecidedBy: "alice",
		})
	}, 2*time.Minute)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(approvalNode(map[string]interface{}{
		"on_rejected": "regenerate",
		"max_retries": 2,
	}))})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal(chains.StepCompleted, result.StepResults["hero"].Status)

	s.Equal([]string{"hero", "hero"}, rec.jobs, "rejection must submit a fresh job")
	s.Require().Len(rec.resolved, 2)
	s.Nil(rec.resolved[0]["3.seed"])
	s.EqualValues(99, rec.resolved[1]["3.seed"], "regeneration must carry the reviewer's overrides")

	s.Require().Len(*outcomes, 2)
	s.Equal("rejected", (*outcomes)[0].Status)
	s.Equal("wrong composition", (*outcomes)[0].Reason)
	s.Equal("approved", (*outcomes)[1].Status)
}

func (s *ChainWorkflowTestSuite) Test_ApprovalTimeoutAutoApprove() {
	env := s.NewTestWorkflowEnvironment()
	s.mockChainPlumbing(env)
	s.mockChildSuccess(env)
	outcomes := s.mockApprovalGate(env)

	// No signal ever arrives; the gate expires after an hour
	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(approvalNode(map[string]interface{}{
		"timeout_hours":  1,
		"timeout_action": "auto_approve",
	}))})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status)
	s.Equal(chains.StepCompleted, result.StepResults["hero"].Status)
	s.Require().Len(*outcomes, 1)
	s.Equal("auto_approved", (*outcomes)[0].Status)
	s.Equal("system:timeout", (*outcomes)[0].DecidedBy)
}

func (s *ChainWorkflowTestSuite) Test_ApprovalTimeoutAutoRejectFailsStep() {
	env := s.NewTestWorkflowEnvironment()
	s.mockChainPlumbing(env)
	s.mockChildSuccess(env)
	outcomes := s.mockApprovalGate(env)

	// Default policy: auto_reject on timeout, stop on rejection
	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(approvalNode(nil))})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("failed", result.Status)
	s.Equal(chains.StepFailed, result.StepResults["hero"].Status)
	s.Contains(result.StepResults["hero"].Error, "system:timeout")
	s.Require().Len(*outcomes, 1)
	s.Equal("rejected", (*outcomes)[0].Status)
}

func (s *ChainWorkflowTestSuite) Test_RejectionWithSkipPolicy() {
	env := s.NewTestWorkflowEnvironment()
	s.mockChainPlumbing(env)
	s.mockChildSuccess(env)
	s.mockApprovalGate(env)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(ApprovalDecisionSignal, ApprovalDecision{
			Decision:  "rejected", // no StepID: routed to the only waiting gate
			DecidedBy: "bob",
		})
	}, time.Minute)

	env.ExecuteWorkflow(ChainWorkflow, ChainRequest{Plan: singleStepPlan(approvalNode(map[string]interface{}{
		"on_rejected": "skip",
	}))})

	var result ChainResult
	s.NoError(env.GetWorkflowResult(&result))
	s.Equal("completed", result.Status, "a skipped step does not fail the chain")
	s.Equal(chains.StepSkipped, result.StepResults["hero"].Status)
}
