// Package predicate evaluates the minimal condition grammar used by
// condition nodes against accumulated run variables.
package predicate

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// Evaluate compiles and runs a single predicate expression against the given
// environment. The environment carries the run input, definition variables
// and upstream node outputs. A compile failure is a definition defect and is
// surfaced, never swallowed.
func Evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	if env == nil {
		env = map[string]any{}
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile predicate %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate predicate %q: %w", expression, err)
	}

	return isTruthy(result), nil
}

// Compile checks that an expression parses without running it. The graph
// validator uses this to reject malformed predicates at registration time.
func Compile(expression string) error {
	if expression == "" {
		return nil
	}

	_, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("compile predicate %q: %w", expression, err)
	}

	return nil
}

func isTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return false
	}
}
