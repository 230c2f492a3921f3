// Package agent executes agent nodes: it fans out the configured number of
// parallel invocations and aggregates their results.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/protocol"
)

// InvokerSource resolves an agent type to an invoker.
type InvokerSource interface {
	CreateAgentInvoker(agentType string, config map[string]any) (protocol.AgentInvoker, error)
}

// Error reports a failed invocation within a fan-out.
type Error struct {
	NodeID       string
	InvocationID string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent node %s invocation %s: %s", e.NodeID, e.InvocationID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Adapter runs agent nodes against the registered invokers.
type Adapter struct {
	invokers InvokerSource
	logger   *slog.Logger
}

func NewAdapter(invokers InvokerSource, logger *slog.Logger) *Adapter {
	return &Adapter{invokers: invokers, logger: logger}
}

// InvocationID builds the stable identity of one invocation. It is identical
// across redeliveries of the same attempt, so downstream systems can
// deduplicate work already performed before a crash.
func InvocationID(runID, nodeID string, attempt, index int) string {
	return fmt.Sprintf("%s:%s:%d:%d", runID, nodeID, attempt, index)
}

// Execute fans out the node's invocations concurrently and waits for all of
// them. In best-effort mode the node succeeds when at least one invocation
// does; otherwise the first failure cancels the siblings and fails the node.
func (a *Adapter) Execute(
	ctx context.Context,
	node *models.Node,
	attempt int,
	executionCtx models.ExecutionContext,
) (map[string]any, error) {
	cfg := node.Agent

	invoker, err := a.invokers.CreateAgentInvoker(cfg.AgentType, node.Config)
	if err != nil {
		return nil, &Error{NodeID: node.ID, Err: err}
	}

	fanOut := cfg.Pattern.FanOut()

	logger := a.logger.With(
		"node_id", node.ID,
		"agent_type", cfg.AgentType,
		"fan_out", fanOut,
	)
	logger.InfoContext(ctx, "Dispatching agent invocations")

	results := make([]map[string]any, fanOut)
	failures := make([]error, fanOut)

	group, groupCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex

	for index := range fanOut {
		invocationID := InvocationID(executionCtx.RunID, node.ID, attempt, index)

		group.Go(func() error {
			output, err := invoker.Invoke(groupCtx, invocationID, executionCtx, logger)
			if err != nil {
				invErr := &Error{NodeID: node.ID, InvocationID: invocationID, Err: err}

				if cfg.BestEffort {
					mu.Lock()
					failures[index] = invErr
					mu.Unlock()

					logger.WarnContext(ctx, "Agent invocation failed, continuing best-effort",
						"invocation_id", invocationID, "error", err)

					return nil
				}

				return invErr
			}

			mu.Lock()
			results[index] = output
			mu.Unlock()

			return nil
		})
	}

	err = group.Wait()
	if err != nil {
		return nil, err
	}

	return aggregate(node, results, failures, cfg.BestEffort)
}

func aggregate(node *models.Node, results []map[string]any, failures []error, bestEffort bool) (map[string]any, error) {
	succeeded := 0
	invocations := make([]any, len(results))

	for index, output := range results {
		if failures[index] != nil {
			invocations[index] = map[string]any{"error": failures[index].Error()}

			continue
		}

		succeeded++
		invocations[index] = output
	}

	if bestEffort && succeeded == 0 {
		return nil, &Error{NodeID: node.ID, Err: fmt.Errorf("all %d invocations failed: %w", len(results), failures[0])}
	}

	return map[string]any{
		"invocations": invocations,
		"succeeded":   succeeded,
		"failed":      len(results) - succeeded,
	}, nil
}
