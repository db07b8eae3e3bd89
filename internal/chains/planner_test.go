package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) ChainStep {
	return ChainStep{ID: id, Workflow: "txt2img", DependsOn: deps}
}

func TestPlan_LevelsByDependencyDepth(t *testing.T) {
	plan, err := Plan(ChainSpec{
		Name: "diamond",
		Steps: []ChainStep{
			step("base"),
			step("left", "base"),
			step("right", "base"),
			step("merge", "left", "right"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"base"},
		{"left", "right"},
		{"merge"},
	}, plan.Levels)

	assert.Equal(t, 0, plan.Nodes["base"].Level)
	assert.Equal(t, 1, plan.Nodes["left"].Level)
	assert.Equal(t, 1, plan.Nodes["right"].Level)
	assert.Equal(t, 2, plan.Nodes["merge"].Level)
	assert.Equal(t, 2, plan.MaxLevel())
}

func TestPlan_IndependentStepsShareLevelZero(t *testing.T) {
	plan, err := Plan(ChainSpec{
		Name:  "parallel",
		Steps: []ChainStep{step("b"), step("a"), step("c")},
	})
	require.NoError(t, err)
	require.Len(t, plan.Levels, 1)
	// Ready steps are sorted so planning is deterministic
	assert.Equal(t, []string{"a", "b", "c"}, plan.Levels[0])
}

func TestPlan_DetectsCycle(t *testing.T) {
	_, err := Plan(ChainSpec{
		Name: "cycle",
		Steps: []ChainStep{
			step("a", "c"),
			step("b", "a"),
			step("c", "b"),
		},
	})
	require.Error(t, err)
	var verr *ChainValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Violations[0], "cycle")
}

func TestPlan_CollectsAllViolations(t *testing.T) {
	_, err := Plan(ChainSpec{
		Name: "broken",
		Steps: []ChainStep{
			step("ok"),
			step("ok"),                 // duplicate
			step("bad id!"),            // invalid characters
			step("orphan", "missing"),  // unknown dependency
		},
	})
	require.Error(t, err)
	var verr *ChainValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 3)
}

func TestPlan_SingleStep(t *testing.T) {
	plan, err := Plan(ChainSpec{Name: "solo", Steps: []ChainStep{step("only")}})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"only"}}, plan.Levels)
}
