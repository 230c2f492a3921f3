// Package log provides the log executor, mainly useful for development and
// workflow debugging.
package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/template"
)

// Action writes a templated message to the engine log and passes it
// downstream as output.
type Action struct {
	Message string
	Level   string
}

func NewAction(config map[string]any) *Action {
	message, _ := config["message"].(string)

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &Action{Message: message, Level: level}
}

func (a *Action) Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error) {
	rendered, err := template.RenderWithContext(a.Message, executionCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to render message template: %w", err)
	}

	message := fmt.Sprintf("%v", rendered)

	logger = logger.With("executor_type", "log")

	switch a.Level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn", "warning":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		logger.InfoContext(ctx, message)
	}

	return map[string]any{"message": message, "level": a.Level}, nil
}
