// -----------------------------------------------------------------------
// Planner - validates a chain spec and levels it with Kahn's algorithm
// -----------------------------------------------------------------------

package chains

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ChainValidationError collects every violation found in a submitted spec
type ChainValidationError struct {
	Violations []string
}

func (e *ChainValidationError) Error() string {
	return "invalid chain definition: " + strings.Join(e.Violations, "; ")
}

// Plan validates the spec and assigns every step to the earliest level at
// which all of its dependencies have completed.
func Plan(spec ChainSpec) (*ExecutionPlan, error) {
	var violations []string

	ids := make(map[string]bool, len(spec.Steps))
	for _, step := range spec.Steps {
		if !stepIDPattern.MatchString(step.ID) {
			violations = append(violations, fmt.Sprintf("step id %q is not [A-Za-z0-9_-]+", step.ID))
			continue
		}
		if ids[step.ID] {
			violations = append(violations, fmt.Sprintf("duplicate step id %q", step.ID))
			continue
		}
		ids[step.ID] = true
	}
	for _, step := range spec.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				violations = append(violations, fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}
	if len(violations) > 0 {
		return nil, &ChainValidationError{Violations: violations}
	}

	// Kahn's algorithm over remaining in-degree
	inDegree := make(map[string]int, len(spec.Steps))
	dependents := make(map[string][]string)
	for _, step := range spec.Steps {
		inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var levels [][]string
	placed := 0
	levelOf := make(map[string]int)
	for placed < len(spec.Steps) {
		var ready []string
		for id, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			return nil, &ChainValidationError{Violations: []string{"dependency graph has a cycle"}}
		}
		sort.Strings(ready)
		level := len(levels)
		for _, id := range ready {
			levelOf[id] = level
			delete(inDegree, id)
			for _, dependent := range dependents[id] {
				if _, pending := inDegree[dependent]; pending {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, ready)
		placed += len(ready)
	}

	nodes := make(map[string]ExecutionNode, len(spec.Steps))
	for _, step := range spec.Steps {
		nodes[step.ID] = ExecutionNode{
			ID:           step.ID,
			Workflow:     step.Workflow,
			Parameters:   step.Parameters,
			Dependencies: step.DependsOn,
			Condition:    step.Condition,
			Level:        levelOf[step.ID],
		}
	}

	return &ExecutionPlan{
		ChainName:   spec.Name,
		Description: spec.Description,
		Nodes:       nodes,
		Levels:      levels,
	}, nil
}
