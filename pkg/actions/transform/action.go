// Package transform provides the transform executor: it reshapes upstream
// outputs into a new payload without calling anything external.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/template"
)

// ErrExpressionMissing is returned when the configuration has no expression.
var ErrExpressionMissing = errors.New("missing required field 'expression'")

// Action renders a templated expression against the execution context and
// passes the result downstream under "result".
type Action struct {
	Expression string
}

func NewAction(config map[string]any) (*Action, error) {
	expression, ok := config["expression"].(string)
	if !ok || expression == "" {
		return nil, ErrExpressionMissing
	}

	return &Action{Expression: expression}, nil
}

func (a *Action) Execute(_ context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	result, err := template.RenderWithContext(a.Expression, executionCtx)
	if err != nil {
		return nil, fmt.Errorf("transformation failed: %w", err)
	}

	logger.Debug("Transform executed", "executor_type", "transform")

	return map[string]any{"result": result}, nil
}
