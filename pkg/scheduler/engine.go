// Package scheduler drives workflow runs: it computes the execution frontier
// from durable node states, dispatches runnable nodes by type and settles the
// run's terminal status. All progress decisions go through the state store's
// optimistic-concurrency writes, so concurrent evaluators never
// double-dispatch a node.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gateflow/gateflow/pkg/agent"
	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/otelhelper"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/predicate"
	"github.com/gateflow/gateflow/pkg/registry"
	"github.com/gateflow/gateflow/pkg/template"
)

// ErrNoMatchingBranch is returned when a condition node exhausts its rules
// with no default edge. Definition defect, never retried.
var ErrNoMatchingBranch = errors.New("no matching branch")

// Engine walks run graphs to completion.
type Engine struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	agents      *agent.Adapter
	approvals   *approval.Manager
	capacity    namespace.Manager
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
	tracer      trace.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewEngine(
	p persistence.Persistence,
	reg *registry.Registry,
	agents *agent.Adapter,
	approvals *approval.Manager,
	capacity namespace.Manager,
	eventBus eventbus.EventPublisher,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Engine {
	return &Engine{
		persistence: p,
		registry:    reg,
		agents:      agents,
		approvals:   approvals,
		capacity:    capacity,
		eventBus:    eventBus,
		logger:      logger.With("module", "scheduler"),
		tracer:      tracer,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Drive evaluates the run's frontier repeatedly until it suspends or reaches
// a terminal status. Safe to call concurrently for the same run: the state
// store's conditional writes elect one winner per node and losers skip.
func (e *Engine) Drive(ctx context.Context, runID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.registerCancel(runID, cancel)
	defer e.unregisterCancel(runID)

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "scheduler.drive",
		attribute.String(otelhelper.RunIDKey, runID))
	defer span.End()

	logger := e.logger.With("run_id", runID)

	for {
		run, err := e.persistence.Runs().GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to load run %s: %w", runID, err)
		}

		if run.Status.IsTerminal() {
			return nil
		}

		def, err := e.persistence.Definitions().GetByID(ctx, run.DefinitionID)
		if err != nil {
			return fmt.Errorf("failed to load definition %s: %w", run.DefinitionID, err)
		}

		idx := indexDefinition(def)

		ready := readySet(idx, run)
		if len(ready) == 0 {
			if hasBlockedNodes(run) {
				// Suspended behind an approval gate or another
				// evaluator's in-flight node; an event resumes us.
				logger.DebugContext(ctx, "Run suspended, waiting for external progress")

				return nil
			}

			return e.completeRun(ctx, run)
		}

		err = e.dispatchWave(ctx, idx, run, ready)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}
	}
}

// dispatchWave runs every ready node concurrently. Independent branches never
// serialize behind each other; a node failure settles the run and stops the
// wave's siblings via context cancellation.
func (e *Engine) dispatchWave(ctx context.Context, idx *graphIndex, run *models.WorkflowRun, ready []*models.Node) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for _, node := range ready {
		group.Go(func() error {
			return e.dispatchNode(groupCtx, idx, run, node)
		})
	}

	return group.Wait()
}

func (e *Engine) dispatchNode(ctx context.Context, idx *graphIndex, run *models.WorkflowRun, node *models.Node) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "scheduler.dispatch",
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
	)
	defer span.End()

	logger := e.logger.With("run_id", run.ID, "node_id", node.ID, "node_type", node.Type)

	switch node.Type {
	case models.NodeTypeTrigger:
		return e.completeTrigger(ctx, run, node)
	case models.NodeTypeCondition:
		return e.completeCondition(ctx, idx, run, node)
	case models.NodeTypeApproval:
		return e.suspendForApproval(ctx, run, node, logger)
	case models.NodeTypeAction, models.NodeTypeIntegration, models.NodeTypeAgent:
		return e.runExecutor(ctx, run, node, logger)
	default:
		return e.failRun(ctx, run, node.ID, fmt.Errorf("unknown node type %q", node.Type))
	}
}

// completeTrigger marks the entry node completed, handing its config through
// as initial output.
func (e *Engine) completeTrigger(ctx context.Context, run *models.WorkflowRun, node *models.Node) error {
	now := time.Now().UTC()

	output := make(map[string]any, len(node.Config))
	for k, v := range node.Config {
		output[k] = v
	}

	err := e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusPending, &models.NodeExecutionState{
		NodeID:     node.ID,
		Status:     models.NodeStatusCompleted,
		Output:     output,
		StartedAt:  &now,
		FinishedAt: &now,
	})
	if persistence.IsConflict(err) {
		return nil
	}

	return err
}

// completeCondition evaluates the rule list in declared order and selects the
// first matching edge, the default edge when none match, or fails the run
// when neither exists.
func (e *Engine) completeCondition(ctx context.Context, idx *graphIndex, run *models.WorkflowRun, node *models.Node) error {
	now := time.Now().UTC()
	executionCtx := models.NewExecutionContext(idx.def, run)
	env := executionCtx.Env()

	var selected string

	for _, rule := range node.Condition.Rules {
		matched, err := predicate.Evaluate(rule.When, env)
		if err != nil {
			return e.failRun(ctx, run, node.ID, fmt.Errorf("predicate %q: %w", rule.When, err))
		}

		if matched {
			selected = rule.ConnectionID

			break
		}
	}

	if selected == "" {
		selected = node.Condition.DefaultConnectionID
	}

	if selected == "" {
		return e.failRun(ctx, run, node.ID, ErrNoMatchingBranch)
	}

	err := e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusPending, &models.NodeExecutionState{
		NodeID:         node.ID,
		Status:         models.NodeStatusCompleted,
		SelectedBranch: selected,
		StartedAt:      &now,
		FinishedAt:     &now,
	})
	if persistence.IsConflict(err) {
		return nil
	}

	if err != nil {
		return err
	}

	return e.rearmLoopTarget(ctx, idx, run, selected)
}

// suspendForApproval parks the node behind an approval request. The branch
// resumes when the request resolves.
func (e *Engine) suspendForApproval(ctx context.Context, run *models.WorkflowRun, node *models.Node, logger *slog.Logger) error {
	now := time.Now().UTC()

	err := e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusPending, &models.NodeExecutionState{
		NodeID:    node.ID,
		Status:    models.NodeStatusWaitingApproval,
		StartedAt: &now,
	})
	if persistence.IsConflict(err) {
		return nil
	}

	if err != nil {
		return err
	}

	_, err = e.approvals.Request(ctx, run, node)
	if err != nil {
		return e.failRun(ctx, run, node.ID, err)
	}

	logger.InfoContext(ctx, "Run suspended for approval", "approver_role", node.Approval.ApproverRole)

	return nil
}

// runExecutor drives action, integration and agent nodes: claim, execute
// with bounded backoff, settle.
func (e *Engine) runExecutor(ctx context.Context, run *models.WorkflowRun, node *models.Node, logger *slog.Logger) error {
	now := time.Now().UTC()

	err := e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusPending, &models.NodeExecutionState{
		NodeID:    node.ID,
		Status:    models.NodeStatusRunning,
		StartedAt: &now,
	})
	if persistence.IsConflict(err) {
		return nil
	}

	if err != nil {
		return err
	}

	policy := retryPolicy(node)
	attempts := 0

	operation := func() (map[string]any, error) {
		attempts++

		output, err := e.executeOnce(ctx, run, node, attempts, logger)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoMatchingBranch) {
				return nil, backoff.Permanent(err)
			}

			logger.WarnContext(ctx, "Node attempt failed",
				"attempt", attempts, "max_attempts", policy.MaxAttempts, "error", err)

			return nil, err
		}

		return output, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialInterval

	started := time.Now()

	output, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)

	finished := time.Now().UTC()

	if err != nil {
		stateErr := e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusRunning, &models.NodeExecutionState{
			NodeID:     node.ID,
			Status:     models.NodeStatusFailed,
			Error:      err.Error(),
			Attempts:   attempts,
			StartedAt:  &now,
			FinishedAt: &finished,
		})
		if stateErr != nil && !persistence.IsConflict(stateErr) {
			return stateErr
		}

		e.publishNodeFinished(ctx, run, node, models.NodeStatusFailed, err.Error(), attempts, time.Since(started))

		return e.failRun(ctx, run, node.ID, err)
	}

	err = e.persistence.Runs().SetNodeState(ctx, run.ID, node.ID, models.NodeStatusRunning, &models.NodeExecutionState{
		NodeID:     node.ID,
		Status:     models.NodeStatusCompleted,
		Output:     output,
		Attempts:   attempts,
		StartedAt:  &now,
		FinishedAt: &finished,
	})
	if err != nil && !persistence.IsConflict(err) {
		return err
	}

	e.publishNodeFinished(ctx, run, node, models.NodeStatusCompleted, "", attempts, time.Since(started))

	return nil
}

// executeOnce performs one attempt of an executor-backed node.
func (e *Engine) executeOnce(
	ctx context.Context,
	run *models.WorkflowRun,
	node *models.Node,
	attempt int,
	logger *slog.Logger,
) (map[string]any, error) {
	def, err := e.persistence.Definitions().GetByID(ctx, run.DefinitionID)
	if err != nil {
		return nil, err
	}

	// Reload so the executor sees outputs committed by parallel branches.
	current, err := e.persistence.Runs().GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	executionCtx := models.NewExecutionContext(def, current)

	if node.Type == models.NodeTypeAgent {
		return e.agents.Execute(ctx, node, attempt, executionCtx)
	}

	config, err := template.RenderMap(node.Config, executionCtx)
	if err != nil {
		return nil, err
	}

	if node.Action.CredentialRef != "" {
		config["credential_ref"] = node.Action.CredentialRef
	}

	action, err := e.registry.CreateAction(node.Action.ExecutorType, config)
	if err != nil {
		return nil, err
	}

	return action.Execute(ctx, executionCtx, logger)
}

// ResumeApproval applies a resolved approval to its suspended node and
// re-evaluates the run. A cancelled outcome never resumes; run cancellation
// already settled the run.
func (e *Engine) ResumeApproval(ctx context.Context, resolved *events.ApprovalResolved) error {
	if resolved.Outcome == models.ApprovalOutcomeCancelled {
		return nil
	}

	run, err := e.persistence.Runs().GetRun(ctx, resolved.RunID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", resolved.RunID, err)
	}

	if run.Status.IsTerminal() {
		return nil
	}

	def, err := e.persistence.Definitions().GetByID(ctx, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", run.DefinitionID, err)
	}

	idx := indexDefinition(def)

	state := run.NodeState(resolved.NodeID)
	startedAt := state.StartedAt
	now := time.Now().UTC()

	var selectedID string
	if conn := selectOutgoing(idx, resolved.NodeID, resolved.Outcome.BranchLabel()); conn != nil {
		selectedID = conn.ID
	}

	err = e.persistence.Runs().SetNodeState(ctx, run.ID, resolved.NodeID, models.NodeStatusWaitingApproval, &models.NodeExecutionState{
		NodeID:         resolved.NodeID,
		Status:         models.NodeStatusCompleted,
		SelectedBranch: selectedID,
		Output: map[string]any{
			"outcome":    string(resolved.Outcome),
			"decided_by": resolved.DecidedBy,
		},
		StartedAt:  startedAt,
		FinishedAt: &now,
	})
	if persistence.IsConflict(err) {
		// Another evaluator already applied this resolution.
		return nil
	}

	if err != nil {
		return err
	}

	if selectedID != "" {
		err = e.rearmLoopTarget(ctx, idx, run, selectedID)
		if err != nil {
			return err
		}
	}

	return e.Drive(ctx, run.ID)
}

// Cancel settles the run as cancelled: forward-only, in-flight work is
// abandoned and completed side effects stay.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.persistence.Runs().GetRun(ctx, runID)
	if err != nil {
		return err
	}

	err = e.persistence.Runs().MarkRunTerminal(ctx, runID, models.RunStatusCancelled, "", reason)
	if err != nil {
		return err
	}

	e.cancelInFlight(runID)

	err = e.approvals.CancelForRun(ctx, runID)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to cancel pending approvals", "run_id", runID, "error", err)
	}

	e.releaseCapacity(ctx, run.Namespace)
	e.publishRunFinished(ctx, run, models.RunStatusCancelled, "", reason)

	e.logger.InfoContext(ctx, "Run cancelled", "run_id", runID, "reason", reason)

	return nil
}

// Recover resets nodes that were mid-flight when a worker died back to
// pending and returns the active runs so the caller can restore capacity
// counts and re-drive them.
func (e *Engine) Recover(ctx context.Context) ([]*models.WorkflowRun, error) {
	active, err := e.persistence.Runs().ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}

	for _, run := range active {
		for nodeID, state := range run.NodeStates {
			if state.Status != models.NodeStatusRunning {
				continue
			}

			err := e.persistence.Runs().SetNodeState(ctx, run.ID, nodeID, models.NodeStatusRunning, &models.NodeExecutionState{
				NodeID:   nodeID,
				Status:   models.NodeStatusPending,
				Attempts: state.Attempts,
			})
			if err != nil && !persistence.IsConflict(err) {
				return nil, err
			}

			e.logger.InfoContext(ctx, "Reset interrupted node for re-dispatch",
				"run_id", run.ID, "node_id", nodeID)
		}
	}

	return active, nil
}

// rearmLoopTarget resets the target of a taken loop edge back to pending so
// the bounded loop body re-executes.
func (e *Engine) rearmLoopTarget(ctx context.Context, idx *graphIndex, run *models.WorkflowRun, connectionID string) error {
	var conn *models.Connection

	for _, candidate := range idx.outgoing {
		for _, c := range candidate {
			if c.ID == connectionID {
				conn = c
			}
		}
	}

	if conn == nil || !conn.AllowLoop {
		return nil
	}

	state, err := e.persistence.Runs().GetNodeState(ctx, run.ID, conn.Target)
	if err != nil {
		if errors.Is(err, persistence.ErrNodeStateNotFound) {
			return nil
		}

		return err
	}

	err = e.persistence.Runs().SetNodeState(ctx, run.ID, conn.Target, state.Status, &models.NodeExecutionState{
		NodeID:   conn.Target,
		Status:   models.NodeStatusPending,
		Attempts: state.Attempts,
	})
	if err != nil && !persistence.IsConflict(err) {
		return err
	}

	return nil
}

func (e *Engine) completeRun(ctx context.Context, run *models.WorkflowRun) error {
	err := e.persistence.Runs().MarkRunTerminal(ctx, run.ID, models.RunStatusCompleted, "", "")
	if errors.Is(err, persistence.ErrRunAlreadyTerminal) {
		return nil
	}

	if err != nil {
		return err
	}

	e.releaseCapacity(ctx, run.Namespace)
	e.publishRunFinished(ctx, run, models.RunStatusCompleted, "", "")

	e.logger.InfoContext(ctx, "Run completed", "run_id", run.ID)

	return nil
}

// failRun settles the run as failed with the originating node attached. The
// full per-node history survives for operators.
func (e *Engine) failRun(ctx context.Context, run *models.WorkflowRun, nodeID string, cause error) error {
	err := e.persistence.Runs().MarkRunTerminal(ctx, run.ID, models.RunStatusFailed, nodeID, cause.Error())
	if errors.Is(err, persistence.ErrRunAlreadyTerminal) {
		return nil
	}

	if err != nil {
		return err
	}

	e.releaseCapacity(ctx, run.Namespace)
	e.publishRunFinished(ctx, run, models.RunStatusFailed, nodeID, cause.Error())

	e.logger.ErrorContext(ctx, "Run failed", "run_id", run.ID, "node_id", nodeID, "error", cause)

	return nil
}

func (e *Engine) releaseCapacity(ctx context.Context, ns string) {
	err := e.capacity.Release(ctx, ns)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to release namespace slot", "namespace", ns, "error", err)
	}
}

func (e *Engine) publishRunFinished(ctx context.Context, run *models.WorkflowRun, status models.RunStatus, failedNodeID, reason string) {
	err := e.eventBus.Publish(ctx, run.ID, events.RunFinished{
		BaseEvent:    events.NewBaseEvent(events.RunFinishedEvent, run.ID),
		Namespace:    run.Namespace,
		Status:       status,
		FailedNodeID: failedNodeID,
		Error:        reason,
		Duration:     time.Since(run.StartedAt),
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish run finished event", "run_id", run.ID, "error", err)
	}
}

func (e *Engine) publishNodeFinished(ctx context.Context, run *models.WorkflowRun, node *models.Node, status models.NodeStatus, errMsg string, attempts int, duration time.Duration) {
	err := e.eventBus.Publish(ctx, run.ID, events.NodeFinished{
		BaseEvent: events.NewBaseEvent(events.NodeFinishedEvent, run.ID),
		NodeID:    node.ID,
		Status:    status,
		Error:     errMsg,
		Attempts:  attempts,
		Duration:  duration,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish node finished event",
			"run_id", run.ID, "node_id", node.ID, "error", err)
	}
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancels[runID] = cancel
}

func (e *Engine) unregisterCancel(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.cancels, runID)
}

func (e *Engine) cancelInFlight(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.cancels[runID]; ok {
		cancel()
		delete(e.cancels, runID)
	}
}

func retryPolicy(node *models.Node) models.RetryPolicy {
	var policy *models.RetryPolicy

	switch node.Type {
	case models.NodeTypeAgent:
		policy = node.Agent.Retry
	case models.NodeTypeAction, models.NodeTypeIntegration:
		policy = node.Action.Retry
	}

	if policy == nil || policy.MaxAttempts <= 0 {
		return models.DefaultRetryPolicy()
	}

	return *policy
}
