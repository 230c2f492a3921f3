package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/gateflow/gateflow/pkg/agent"
	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/file"
	"github.com/gateflow/gateflow/pkg/protocol"
	"github.com/gateflow/gateflow/pkg/registry"
	"github.com/gateflow/gateflow/pkg/scheduler"
)

// capturingBus records published events for assertions.
type capturingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *capturingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *capturingBus) ofType(eventType events.EventType) []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range b.events {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

// recordingAction executes a configurable function and records calls.
type recordingAction struct {
	fn func() (map[string]any, error)
}

func (a *recordingAction) Execute(context.Context, models.ExecutionContext, *slog.Logger) (map[string]any, error) {
	return a.fn()
}

type stubActionFactory struct {
	id string
	fn func(config map[string]any) (map[string]any, error)
}

func (f *stubActionFactory) ID() string             { return f.id }
func (f *stubActionFactory) Schema() map[string]any { return nil }

func (f *stubActionFactory) Create(config map[string]any) (protocol.Action, error) {
	return &recordingAction{fn: func() (map[string]any, error) { return f.fn(config) }}, nil
}

// recordingInvoker records agent invocations and optionally fails some.
type recordingInvoker struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error
}

func (s *recordingInvoker) Invoke(_ context.Context, invocationID string, _ models.ExecutionContext, _ *slog.Logger) (map[string]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, invocationID)
	s.mu.Unlock()

	if err, ok := s.failFor[invocationID]; ok {
		return nil, err
	}

	return map[string]any{"invocation_id": invocationID}, nil
}

func (s *recordingInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.calls)
}

type stubAgentFactory struct {
	id      string
	invoker protocol.AgentInvoker
}

func (f *stubAgentFactory) ID() string             { return f.id }
func (f *stubAgentFactory) Schema() map[string]any { return nil }

func (f *stubAgentFactory) Create(map[string]any) (protocol.AgentInvoker, error) {
	return f.invoker, nil
}

type harness struct {
	engine      *scheduler.Engine
	persistence persistence.Persistence
	capacity    *namespace.MemoryManager
	approvals   *approval.Manager
	bus         *capturingBus
	registry    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p := file.NewPersistence(t.TempDir())

	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})

	require.NoError(t, p.Namespaces().Save(t.Context(), &models.Namespace{
		Name:          "orders",
		MaxConcurrent: 5,
		CreatedAt:     time.Now().UTC(),
	}))

	bus := &capturingBus{}
	reg := registry.NewRegistry(logger)
	capacity := namespace.NewMemoryManager(p.Namespaces())
	approvals := approval.NewManager(p.Approvals(), bus, logger)
	t.Cleanup(approvals.Stop)

	agents := agent.NewAdapter(reg, logger)
	tracer := noop.NewTracerProvider().Tracer("test")

	engine := scheduler.NewEngine(p, reg, agents, approvals, capacity, bus, logger, tracer)

	return &harness{
		engine:      engine,
		persistence: p,
		capacity:    capacity,
		approvals:   approvals,
		bus:         bus,
		registry:    reg,
	}
}

func (h *harness) startRun(t *testing.T, def *models.WorkflowDefinition, input map[string]any) *models.WorkflowRun {
	t.Helper()

	require.NoError(t, h.persistence.Definitions().Save(t.Context(), def))

	run := &models.WorkflowRun{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Namespace:    "orders",
		Status:       models.RunStatusRunning,
		Input:        input,
		NodeStates:   map[string]*models.NodeExecutionState{},
		StartedAt:    time.Now().UTC(),
	}

	require.NoError(t, h.capacity.TryAcquire(t.Context(), "orders"))
	require.NoError(t, h.persistence.Runs().CreateRun(t.Context(), run))

	return run
}

func (h *harness) reload(t *testing.T, runID string) *models.WorkflowRun {
	t.Helper()

	run, err := h.persistence.Runs().GetRun(t.Context(), runID)
	require.NoError(t, err)

	return run
}

func linearDef(id string, extraNodes []*models.Node, extraConns []*models.Connection) *models.WorkflowDefinition {
	nodes := append([]*models.Node{
		{ID: "start", Type: models.NodeTypeTrigger, Name: "Start"},
	}, extraNodes...)

	return &models.WorkflowDefinition{
		ID:          id,
		GroupID:     uuid.New().String(),
		Version:     1,
		Name:        "Test Flow",
		Nodes:       nodes,
		Connections: extraConns,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestEngine_LinearRunCompletes(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "emit",
		fn: func(config map[string]any) (map[string]any, error) {
			return map[string]any{"emitted": config["value"]}, nil
		},
	})

	def := linearDef("def-linear", []*models.Node{
		{
			ID: "work", Type: models.NodeTypeAction, Name: "Work",
			Config: map[string]any{"value": "v1"},
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "work"},
	})

	run := h.startRun(t, def, map[string]any{"score": float64(10)})

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("start").Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("work").Status)
	assert.Equal(t, "v1", final.NodeState("work").Output["emitted"])
	require.NotNil(t, final.FinishedAt)

	// Terminal transition released the namespace slot.
	active, err := h.capacity.Active(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	assert.Len(t, h.bus.ofType(events.RunFinishedEvent), 1)
}

func TestEngine_ConditionSelectsMatchingBranch(t *testing.T) {
	h := newHarness(t)

	invokerA := &recordingInvoker{}
	invokerB := &recordingInvoker{}

	h.registry.RegisterAgent(&stubAgentFactory{id: "agent-a", invoker: invokerA})
	h.registry.RegisterAgent(&stubAgentFactory{id: "agent-b", invoker: invokerB})

	def := linearDef("def-branch", []*models.Node{
		{
			ID: "route", Type: models.NodeTypeCondition, Name: "Route",
			Condition: &models.ConditionConfig{
				Rules:               []models.ConditionRule{{When: "input.score > 80", ConnectionID: "to-a"}},
				DefaultConnectionID: "to-b",
			},
		},
		{
			ID: "run-a", Type: models.NodeTypeAgent, Name: "Agent A",
			Agent: &models.AgentConfig{Pattern: models.AgentPatternSingle, AgentType: "agent-a"},
		},
		{
			ID: "run-b", Type: models.NodeTypeAgent, Name: "Agent B",
			Agent: &models.AgentConfig{Pattern: models.AgentPatternSingle, AgentType: "agent-b"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "route"},
		{ID: "to-a", Source: "route", Target: "run-a", Label: "high"},
		{ID: "to-b", Source: "route", Target: "run-b"},
	})

	run := h.startRun(t, def, map[string]any{"score": float64(90)})

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, "to-a", final.NodeState("route").SelectedBranch)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("run-a").Status)

	// The unselected branch never dispatched.
	assert.Equal(t, models.NodeStatusPending, final.NodeState("run-b").Status)
	assert.Equal(t, 1, invokerA.callCount())
	assert.Equal(t, 0, invokerB.callCount())
}

func TestEngine_ConditionNoMatchNoDefaultFailsRun(t *testing.T) {
	h := newHarness(t)

	def := linearDef("def-nomatch", []*models.Node{
		{
			ID: "route", Type: models.NodeTypeCondition, Name: "Route",
			Condition: &models.ConditionConfig{
				Rules: []models.ConditionRule{{When: "input.score > 80", ConnectionID: "to-end"}},
			},
		},
		{
			ID: "end", Type: models.NodeTypeAction, Name: "End",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "route"},
		{ID: "to-end", Source: "route", Target: "end", Label: "high"},
	})

	run := h.startRun(t, def, map[string]any{"score": float64(10)})

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, "route", final.FailedNodeID)
	assert.Contains(t, final.Error, "no matching branch")
}

func TestEngine_IndependentBranchesRunConcurrently(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "emit",
		fn: func(config map[string]any) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	})

	def := linearDef("def-parallel", []*models.Node{
		{
			ID: "left", Type: models.NodeTypeAction, Name: "Left",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
		{
			ID: "right", Type: models.NodeTypeAction, Name: "Right",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "left"},
		{ID: "c2", Source: "start", Target: "right"},
	})

	run := h.startRun(t, def, nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("left").Status)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("right").Status)
}

func TestEngine_RetryRecoversTransientFailure(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex

	calls := 0

	h.registry.RegisterAction(&stubActionFactory{
		id: "flaky",
		fn: func(map[string]any) (map[string]any, error) {
			mu.Lock()
			defer mu.Unlock()

			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}

			return map[string]any{"ok": true}, nil
		},
	})

	def := linearDef("def-retry", []*models.Node{
		{
			ID: "work", Type: models.NodeTypeAction, Name: "Work",
			Action: &models.ActionConfig{
				ExecutorType: "flaky",
				Retry:        &models.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond},
			},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "work"},
	})

	run := h.startRun(t, def, nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, 3, final.NodeState("work").Attempts)
}

func TestEngine_RetriesExhaustedFailsRun(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "broken",
		fn: func(map[string]any) (map[string]any, error) {
			return nil, errors.New("endpoint down")
		},
	})

	def := linearDef("def-exhaust", []*models.Node{
		{
			ID: "work", Type: models.NodeTypeAction, Name: "Work",
			Action: &models.ActionConfig{
				ExecutorType: "broken",
				Retry:        &models.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
			},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "work"},
	})

	run := h.startRun(t, def, nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, "work", final.FailedNodeID)
	assert.Equal(t, models.NodeStatusFailed, final.NodeState("work").Status)
	assert.Equal(t, 2, final.NodeState("work").Attempts)

	active, err := h.capacity.Active(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestEngine_AgentFanOutFailureFailsRun(t *testing.T) {
	h := newHarness(t)

	invoker := &recordingInvoker{failFor: map[string]error{}}
	h.registry.RegisterAgent(&stubAgentFactory{id: "team", invoker: invoker})

	def := linearDef("def-fanout", []*models.Node{
		{
			ID: "crew", Type: models.NodeTypeAgent, Name: "Crew",
			Agent: &models.AgentConfig{
				Pattern:   models.AgentPatternQuad,
				AgentType: "team",
				Retry:     &models.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Millisecond},
			},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "crew"},
	})

	run := h.startRun(t, def, nil)

	invoker.failFor[agent.InvocationID(run.ID, "crew", 1, 2)] = errors.New("sub-task failed")

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, final.Status)
	assert.Equal(t, models.NodeStatusFailed, final.NodeState("crew").Status)

	// Sibling results were discarded, not partially applied.
	assert.Nil(t, final.NodeState("crew").Output)
}

func approvalDef(id string, timeout time.Duration) *models.WorkflowDefinition {
	return linearDef(id, []*models.Node{
		{
			ID: "gate", Type: models.NodeTypeApproval, Name: "Gate",
			Approval: &models.ApprovalConfig{ApproverRole: "ops", Timeout: timeout},
		},
		{
			ID: "ship", Type: models.NodeTypeAction, Name: "Ship",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
		{
			ID: "escalate", Type: models.NodeTypeAction, Name: "Escalate",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "gate"},
		{ID: "ok", Source: "gate", Target: "ship", Label: "approved"},
		{ID: "late", Source: "gate", Target: "escalate", Label: "timed-out"},
	})
}

func TestEngine_ApprovalSuspendsAndResumesOnSignal(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "emit",
		fn: func(map[string]any) (map[string]any, error) { return map[string]any{"ok": true}, nil },
	})

	run := h.startRun(t, approvalDef("def-approve", time.Hour), nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	suspended := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, suspended.Status)
	assert.Equal(t, models.NodeStatusWaitingApproval, suspended.NodeState("gate").Status)

	requested := h.bus.ofType(events.ApprovalRequestedEvent)
	require.Len(t, requested, 1)

	approvalID := requested[0].(events.ApprovalRequested).ApprovalID

	resolved, err := h.approvals.Resolve(t.Context(), approvalID, models.ApprovalOutcomeApproved, "reviewer")
	require.NoError(t, err)

	resolvedEvents := h.bus.ofType(events.ApprovalResolvedEvent)
	require.Len(t, resolvedEvents, 1)

	require.NoError(t, h.engine.ResumeApproval(t.Context(), &events.ApprovalResolved{
		BaseEvent:  events.NewBaseEvent(events.ApprovalResolvedEvent, run.ID),
		ApprovalID: resolved.ID,
		NodeID:     resolved.NodeID,
		Namespace:  resolved.Namespace,
		Outcome:    resolved.Outcome,
		DecidedBy:  resolved.DecidedBy,
	}))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, "ok", final.NodeState("gate").SelectedBranch)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("ship").Status)
	assert.Equal(t, models.NodeStatusPending, final.NodeState("escalate").Status)
}

func TestEngine_ApprovalTimeoutTakesTimedOutBranch(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "emit",
		fn: func(map[string]any) (map[string]any, error) { return map[string]any{"ok": true}, nil },
	})

	run := h.startRun(t, approvalDef("def-timeout", 30*time.Millisecond), nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	require.Eventually(t, func() bool {
		return len(h.bus.ofType(events.ApprovalResolvedEvent)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resolvedEvent := h.bus.ofType(events.ApprovalResolvedEvent)[0].(events.ApprovalResolved)
	assert.Equal(t, models.ApprovalOutcomeTimedOut, resolvedEvent.Outcome)

	require.NoError(t, h.engine.ResumeApproval(t.Context(), &resolvedEvent))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
	assert.Equal(t, "late", final.NodeState("gate").SelectedBranch)
	assert.Equal(t, models.NodeStatusCompleted, final.NodeState("escalate").Status)
	assert.Equal(t, models.NodeStatusPending, final.NodeState("ship").Status)
}

func TestEngine_CancelWaitingApprovalReleasesSlot(t *testing.T) {
	h := newHarness(t)

	run := h.startRun(t, approvalDef("def-cancel", time.Hour), nil)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	require.NoError(t, h.engine.Cancel(t.Context(), run.ID, "operator abort"))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCancelled, final.Status)

	active, err := h.capacity.Active(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	pending, err := h.persistence.Approvals().ListPendingApprovals(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	requested := h.bus.ofType(events.ApprovalRequestedEvent)
	require.Len(t, requested, 1)

	stored, err := h.persistence.Approvals().GetApproval(t.Context(), requested[0].(events.ApprovalRequested).ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomeCancelled, stored.Outcome)

	// Cancelling twice reports the terminal state.
	err = h.engine.Cancel(t.Context(), run.ID, "again")
	require.ErrorIs(t, err, persistence.ErrRunAlreadyTerminal)
}

func TestEngine_RecoverResetsInterruptedNodes(t *testing.T) {
	h := newHarness(t)

	h.registry.RegisterAction(&stubActionFactory{
		id: "emit",
		fn: func(map[string]any) (map[string]any, error) { return map[string]any{"ok": true}, nil },
	})

	def := linearDef("def-recover", []*models.Node{
		{
			ID: "work", Type: models.NodeTypeAction, Name: "Work",
			Action: &models.ActionConfig{ExecutorType: "emit"},
		},
	}, []*models.Connection{
		{ID: "c1", Source: "start", Target: "work"},
	})

	run := h.startRun(t, def, nil)

	// Simulate a crash mid-node: the claim was persisted, the result never
	// arrived.
	require.NoError(t, h.persistence.Runs().SetNodeState(t.Context(), run.ID, "start", models.NodeStatusPending, &models.NodeExecutionState{
		NodeID: "start", Status: models.NodeStatusCompleted,
	}))
	require.NoError(t, h.persistence.Runs().SetNodeState(t.Context(), run.ID, "work", models.NodeStatusPending, &models.NodeExecutionState{
		NodeID: "work", Status: models.NodeStatusRunning, Attempts: 1,
	}))

	active, err := h.engine.Recover(t.Context())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, run.ID, active[0].ID)

	reset := h.reload(t, run.ID)
	assert.Equal(t, models.NodeStatusPending, reset.NodeState("work").Status)

	require.NoError(t, h.engine.Drive(t.Context(), run.ID))

	final := h.reload(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, final.Status)
}
