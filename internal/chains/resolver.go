// -----------------------------------------------------------------------
// Resolver - expression substitution over prior step results
// -----------------------------------------------------------------------

package chains

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

var templatePattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// TemplateResolutionError means a template referenced something absent from
// the completed step results.
type TemplateResolutionError struct {
	Expression string
	Cause      error
}

func (e *TemplateResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve template %q: %v", e.Expression, e.Cause)
}

// ResultsEnv builds the evaluation context: step_id → {output, parameters,
// status} for every recorded prior step.
func ResultsEnv(stepResults map[string]StepResult) map[string]interface{} {
	env := make(map[string]interface{}, len(stepResults))
	for id, result := range stepResults {
		env[id] = map[string]interface{}{
			"output":     result.Output,
			"parameters": result.Parameters,
			"status":     string(result.Status),
		}
	}
	return env
}

// ResolveTemplates substitutes `{{ expr }}` templates in string values,
// recursing into nested maps and lists. A value that is one whole template
// keeps the expression's native type; numeric-looking strings are coerced.
func ResolveTemplates(params map[string]interface{}, stepResults map[string]StepResult) (map[string]interface{}, error) {
	env := ResultsEnv(stepResults)
	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		out, err := resolveValue(value, env)
		if err != nil {
			return nil, err
		}
		resolved[key] = out
	}
	return resolved, nil
}

// EvaluateCondition runs a sandboxed boolean expression over the step
// results. The surrounding `{{ }}` is optional.
func EvaluateCondition(condition string, stepResults map[string]StepResult) (bool, error) {
	expression := strings.TrimSpace(condition)
	if m := templatePattern.FindStringSubmatch(expression); m != nil && templatePattern.FindString(expression) == expression {
		expression = m[1]
	}

	result, err := evaluate(expression, ResultsEnv(stepResults))
	if err != nil {
		return false, err
	}
	verdict, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}
	return verdict, nil
}

func resolveValue(value interface{}, env map[string]interface{}) (interface{}, error) {
	switch val := value.(type) {
	case string:
		return resolveString(val, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			resolved, err := resolveValue(v, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, v := range val {
			resolved, err := resolveValue(v, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, env map[string]interface{}) (interface{}, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A value that is exactly one template keeps the expression's type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		result, err := evaluate(s[matches[0][2]:matches[0][3]], env)
		if err != nil {
			return nil, err
		}
		return coerceNumeric(result), nil
	}

	// Otherwise splice each expression's string form into the surround
	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		result, err := evaluate(s[m[2]:m[3]], env)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprintf("%v", result))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func evaluate(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return nil, &TemplateResolutionError{Expression: expression, Cause: err}
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, &TemplateResolutionError{Expression: expression, Cause: err}
	}
	if result == nil {
		return nil, &TemplateResolutionError{Expression: expression, Cause: fmt.Errorf("reference resolved to nothing")}
	}
	return result, nil
}

// coerceNumeric turns numeric-looking strings into ints or floats
func coerceNumeric(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return f
	}
	return s
}
