package protocol

import (
	"context"
	"log/slog"

	"github.com/gateflow/gateflow/pkg/models"
)

// AgentInvoker dispatches one agent invocation. The invocation ID is stable
// across retries of the same attempt index, so implementations can deduplicate
// work that was already performed before a crash.
type AgentInvoker interface {
	Invoke(ctx context.Context, invocationID string, executionCtx models.ExecutionContext, logger *slog.Logger) (map[string]any, error)
}

// AgentFactory creates agent invokers for an agent type.
type AgentFactory interface {
	Create(config map[string]any) (AgentInvoker, error)

	// ID returns the agent type this factory serves.
	ID() string

	// Schema returns the JSON schema for the agent configuration.
	Schema() map[string]any
}
