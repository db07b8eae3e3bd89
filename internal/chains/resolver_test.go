package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultsFixture() map[string]StepResult {
	return map[string]StepResult{
		"generate": {
			StepID: "generate",
			Status: StepCompleted,
			Output: map[string]interface{}{
				"image":  "img_001.png",
				"width":  1024,
				"frames": 16.5,
			},
			Parameters: map[string]interface{}{
				"seed": 42,
			},
		},
		"optional": {
			StepID: "optional",
			Status: StepSkipped,
		},
	}
}

func TestResolveTemplates_WholeTemplateKeepsType(t *testing.T) {
	resolved, err := ResolveTemplates(map[string]interface{}{
		"image": "{{ generate.output.image }}",
		"width": "{{ generate.output.width }}",
		"seed":  "{{ generate.parameters.seed }}",
	}, resultsFixture())
	require.NoError(t, err)

	assert.Equal(t, "img_001.png", resolved["image"])
	assert.Equal(t, 1024, resolved["width"])
	assert.Equal(t, 42, resolved["seed"])
}

func TestResolveTemplates_PartialTemplateSplices(t *testing.T) {
	resolved, err := ResolveTemplates(map[string]interface{}{
		"prompt": "upscale {{ generate.output.image }} to {{ generate.output.width }}px",
	}, resultsFixture())
	require.NoError(t, err)
	assert.Equal(t, "upscale img_001.png to 1024px", resolved["prompt"])
}

func TestResolveTemplates_RecursesIntoNestedValues(t *testing.T) {
	resolved, err := ResolveTemplates(map[string]interface{}{
		"nested": map[string]interface{}{
			"source": "{{ generate.output.image }}",
			"list":   []interface{}{"{{ generate.output.width }}", "plain"},
		},
	}, resultsFixture())
	require.NoError(t, err)

	nested := resolved["nested"].(map[string]interface{})
	assert.Equal(t, "img_001.png", nested["source"])
	list := nested["list"].([]interface{})
	assert.Equal(t, 1024, list[0])
	assert.Equal(t, "plain", list[1])
}

func TestResolveTemplates_NonTemplateValuesUntouched(t *testing.T) {
	resolved, err := ResolveTemplates(map[string]interface{}{
		"steps": 20,
		"text":  "no templates here",
	}, resultsFixture())
	require.NoError(t, err)
	assert.Equal(t, 20, resolved["steps"])
	assert.Equal(t, "no templates here", resolved["text"])
}

func TestResolveTemplates_MissingReferenceFails(t *testing.T) {
	_, err := ResolveTemplates(map[string]interface{}{
		"image": "{{ nonexistent.output.image }}",
	}, resultsFixture())
	require.Error(t, err)
	var terr *TemplateResolutionError
	assert.ErrorAs(t, err, &terr)
}

func TestCoerceNumeric(t *testing.T) {
	assert.Equal(t, 42, coerceNumeric("42"))
	assert.Equal(t, 3.5, coerceNumeric("3.5"))
	assert.Equal(t, "img.png", coerceNumeric("img.png"))
	assert.Equal(t, true, coerceNumeric(true))
}

func TestEvaluateCondition(t *testing.T) {
	results := resultsFixture()

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		{"status equality", `generate.status == "completed"`, true},
		{"wrapped in braces", `{{ generate.status == "completed" }}`, true},
		{"skipped step", `optional.status == "completed"`, false},
		{"numeric comparison", `generate.output.width > 512`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateCondition(tt.condition, results)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_NonBooleanFails(t *testing.T) {
	_, err := EvaluateCondition(`generate.output.width`, resultsFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boolean")
}

func TestApprovalPolicy_Defaults(t *testing.T) {
	node := ExecutionNode{Parameters: map[string]interface{}{"requires_approval": true}}
	assert.True(t, node.RequiresApproval())

	policy, err := node.ApprovalPolicy()
	require.NoError(t, err)
	assert.Equal(t, DefaultApprovalPolicy(), policy)
}

func TestApprovalPolicy_Overlay(t *testing.T) {
	node := ExecutionNode{Parameters: map[string]interface{}{
		"requires_approval": "true",
		"approval": map[string]interface{}{
			"timeout_hours": 2,
			"on_rejected":   "regenerate",
			"max_retries":   3,
		},
	}}
	require.True(t, node.RequiresApproval())

	policy, err := node.ApprovalPolicy()
	require.NoError(t, err)
	assert.Equal(t, 2, policy.TimeoutHours)
	assert.Equal(t, OnRejectedRegenerate, policy.OnRejected)
	assert.Equal(t, 3, policy.MaxRetries)
	assert.Equal(t, TimeoutAutoReject, policy.TimeoutAction)
}

func TestApprovalPolicy_RejectsBadValues(t *testing.T) {
	node := ExecutionNode{Parameters: map[string]interface{}{
		"approval": map[string]interface{}{"on_rejected": "explode"},
	}}
	_, err := node.ApprovalPolicy()
	require.Error(t, err)

	node = ExecutionNode{Parameters: map[string]interface{}{
		"approval": map[string]interface{}{"timeout_hours": -1},
	}}
	_, err = node.ApprovalPolicy()
	require.Error(t, err)
}
