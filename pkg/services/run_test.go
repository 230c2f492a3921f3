package services_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/file"
	"github.com/gateflow/gateflow/pkg/services"
)

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

type fixture struct {
	runs        *services.Run
	persistence persistence.Persistence
	capacity    *namespace.MemoryManager
	approvals   *approval.Manager
	bus         *capturingBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p := file.NewPersistence(t.TempDir())

	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})

	bus := &capturingBus{}
	capacity := namespace.NewMemoryManager(p.Namespaces())
	approvals := approval.NewManager(p.Approvals(), bus, logger)
	t.Cleanup(approvals.Stop)

	require.NoError(t, p.Namespaces().Save(t.Context(), &models.Namespace{
		Name:          "billing",
		MaxConcurrent: 2,
		CreatedAt:     time.Now().UTC(),
	}))

	require.NoError(t, p.Definitions().Save(t.Context(), &models.WorkflowDefinition{
		ID:      "def-1",
		GroupID: "grp-1",
		Version: 1,
		Name:    "Invoice Flow",
		Nodes: []*models.Node{
			{ID: "start", Type: models.NodeTypeTrigger, Name: "Start"},
		},
		CreatedAt: time.Now().UTC(),
	}))

	return &fixture{
		runs:        services.NewRun(p, capacity, approvals, bus),
		persistence: p,
		capacity:    capacity,
		approvals:   approvals,
		bus:         bus,
	}
}

func TestRun_StartRun(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
		Input:        map[string]any{"amount": 42.5},
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, "billing", run.Namespace)

	stored, err := f.persistence.Runs().GetRun(t.Context(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "def-1", stored.DefinitionID)

	active, err := f.capacity.Active(t.Context(), "billing")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	started := f.bus.ofType(events.RunStartedEvent)
	require.Len(t, started, 1)
	assert.Equal(t, run.ID, started[0].(events.RunStarted).RunID)
}

func TestRun_StartRunUnknownDefinition(t *testing.T) {
	f := newFixture(t)

	_, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "missing",
		Namespace:    "billing",
	})
	require.ErrorIs(t, err, services.ErrDefinitionNotFound)

	// No slot leaked on the failed admission.
	active, err := f.capacity.Active(t.Context(), "billing")
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestRun_StartRunUnknownNamespace(t *testing.T) {
	f := newFixture(t)

	_, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "ghost",
	})
	require.ErrorIs(t, err, services.ErrNamespaceNotFound)
}

func TestRun_StartRunCapacityExceeded(t *testing.T) {
	f := newFixture(t)

	for range 2 {
		_, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
			DefinitionID: "def-1",
			Namespace:    "billing",
		})
		require.NoError(t, err)
	}

	_, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.ErrorIs(t, err, services.ErrNamespaceCapacityExceeded)
	assert.True(t, services.IsCapacityError(err))
}

func TestRun_ListRunsFilters(t *testing.T) {
	f := newFixture(t)

	first, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	_, err = f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	all, err := f.runs.ListRuns(t.Context(), services.ListRunsRequest{Namespace: "billing"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed := models.RunStatusCompleted
	none, err := f.runs.ListRuns(t.Context(), services.ListRunsRequest{Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := f.runs.ListRuns(t.Context(), services.ListRunsRequest{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_ = first
}

func TestRun_SignalApproval(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	request, err := f.approvals.Request(t.Context(), run, &models.Node{
		ID:       "gate",
		Type:     models.NodeTypeApproval,
		Name:     "Gate",
		Approval: &models.ApprovalConfig{ApproverRole: "finance", Timeout: time.Hour},
	})
	require.NoError(t, err)

	resolved, err := f.runs.SignalApproval(t.Context(), services.SignalApprovalRequest{
		RunID:      run.ID,
		ApprovalID: request.ID,
		Decision:   "approved",
		DecidedBy:  "cfo",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomeApproved, resolved.Outcome)
	assert.Equal(t, "cfo", resolved.DecidedBy)

	// A second signal finds the request already resolved.
	_, err = f.runs.SignalApproval(t.Context(), services.SignalApprovalRequest{
		RunID:      run.ID,
		ApprovalID: request.ID,
		Decision:   "rejected",
		DecidedBy:  "cfo",
	})
	require.ErrorIs(t, err, services.ErrApprovalAlreadyResolved)
	assert.True(t, services.IsConflictError(err))
}

func TestRun_SignalApprovalRejectsBadDecision(t *testing.T) {
	f := newFixture(t)

	_, err := f.runs.SignalApproval(t.Context(), services.SignalApprovalRequest{
		RunID:      "run-1",
		ApprovalID: "appr-1",
		Decision:   "maybe",
		DecidedBy:  "cfo",
	})
	require.ErrorIs(t, err, services.ErrInvalidDecision)
	assert.True(t, services.IsValidationError(err))
}

func TestRun_SignalApprovalWrongRun(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	request, err := f.approvals.Request(t.Context(), run, &models.Node{
		ID:       "gate",
		Type:     models.NodeTypeApproval,
		Name:     "Gate",
		Approval: &models.ApprovalConfig{ApproverRole: "finance", Timeout: time.Hour},
	})
	require.NoError(t, err)

	_, err = f.runs.SignalApproval(t.Context(), services.SignalApprovalRequest{
		RunID:      "other-run",
		ApprovalID: request.ID,
		Decision:   "approved",
		DecidedBy:  "cfo",
	})
	require.ErrorIs(t, err, services.ErrApprovalNotFound)
}

func TestRun_CancelRunPublishesRequest(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	require.NoError(t, f.runs.CancelRun(t.Context(), run.ID, "duplicate order", "ops"))

	cancelled := f.bus.ofType(events.RunCancelledEvent)
	require.Len(t, cancelled, 1)
	assert.Equal(t, run.ID, cancelled[0].(events.RunCancelled).RunID)
	assert.Equal(t, "duplicate order", cancelled[0].(events.RunCancelled).Reason)
}

func TestRun_CancelTerminalRunConflicts(t *testing.T) {
	f := newFixture(t)

	run, err := f.runs.StartRun(t.Context(), services.StartRunRequest{
		DefinitionID: "def-1",
		Namespace:    "billing",
	})
	require.NoError(t, err)

	require.NoError(t, f.persistence.Runs().MarkRunTerminal(t.Context(), run.ID, models.RunStatusCompleted, "", ""))

	err = f.runs.CancelRun(t.Context(), run.ID, "too late", "ops")
	require.ErrorIs(t, err, services.ErrRunAlreadyTerminal)
}
