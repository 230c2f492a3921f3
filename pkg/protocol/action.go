// Package protocol defines the interfaces and contracts for pluggable executors.
package protocol

import (
	"context"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/models"
)

// Action is one executable unit of work within a run. Implementations must
// honor context cancellation: an executor observed mid-flight during
// cancellation is abandoned, not rolled back.
type Action interface {
	Execute(ctx context.Context, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error)
}

// ActionFactory creates action instances and describes their configuration.
type ActionFactory interface {
	// Create builds a new action from node configuration.
	Create(config map[string]any) (Action, error)

	// ID returns the executor type this factory serves.
	ID() string

	// Schema returns the JSON schema for the action configuration.
	Schema() map[string]any
}
