package approval_test

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
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/file"
)

type capturingBus struct {
	mu     sync.Mutex
	events []any
}

func (b *capturingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *capturingBus) ofType(eventType events.EventType) []any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []any

	for _, event := range b.events {
		if event.(eventbus.Event).GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func testManager(t *testing.T) (*approval.Manager, *capturingBus, persistence.Persistence) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	t.Cleanup(func() {
		_ = p.Close(t.Context())
	})

	bus := &capturingBus{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	manager := approval.NewManager(p.Approvals(), bus, logger)
	t.Cleanup(manager.Stop)

	return manager, bus, p
}

func approvalRun() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:        "run-1",
		Namespace: "orders",
		Status:    models.RunStatusRunning,
	}
}

func approvalNode(timeout time.Duration) *models.Node {
	return &models.Node{
		ID:   "gate",
		Type: models.NodeTypeApproval,
		Approval: &models.ApprovalConfig{
			ApproverRole: "ops",
			Timeout:      timeout,
		},
	}
}

func TestManager_RequestAndResolve(t *testing.T) {
	manager, bus, p := testManager(t)

	req, err := manager.Request(t.Context(), approvalRun(), approvalNode(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomePending, req.Outcome)
	assert.Equal(t, "ops", req.ApproverRole)

	resolved, err := manager.Resolve(t.Context(), req.ID, models.ApprovalOutcomeApproved, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomeApproved, resolved.Outcome)
	assert.Equal(t, "reviewer", resolved.DecidedBy)

	stored, err := p.Approvals().GetApproval(t.Context(), req.ID)
	require.NoError(t, err)
	assert.True(t, stored.Outcome.IsResolved())

	assert.Len(t, bus.ofType(events.ApprovalRequestedEvent), 1)
	assert.Len(t, bus.ofType(events.ApprovalResolvedEvent), 1)
}

func TestManager_Resolve_SecondSignalLoses(t *testing.T) {
	manager, _, _ := testManager(t)

	req, err := manager.Request(t.Context(), approvalRun(), approvalNode(time.Hour))
	require.NoError(t, err)

	_, err = manager.Resolve(t.Context(), req.ID, models.ApprovalOutcomeApproved, "first")
	require.NoError(t, err)

	_, err = manager.Resolve(t.Context(), req.ID, models.ApprovalOutcomeRejected, "second")
	require.ErrorIs(t, err, persistence.ErrAlreadyResolved)
}

func TestManager_DeadlineTimesOut(t *testing.T) {
	manager, bus, p := testManager(t)

	req, err := manager.Request(t.Context(), approvalRun(), approvalNode(20*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := p.Approvals().GetApproval(t.Context(), req.ID)

		return err == nil && stored.Outcome == models.ApprovalOutcomeTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	// An explicit signal after the timeout must lose the race.
	_, err = manager.Resolve(t.Context(), req.ID, models.ApprovalOutcomeApproved, "late")
	require.ErrorIs(t, err, persistence.ErrAlreadyResolved)

	assert.Len(t, bus.ofType(events.ApprovalResolvedEvent), 1)
}

func TestManager_CancelForRun(t *testing.T) {
	manager, _, p := testManager(t)

	req, err := manager.Request(t.Context(), approvalRun(), approvalNode(time.Hour))
	require.NoError(t, err)

	require.NoError(t, manager.CancelForRun(t.Context(), "run-1"))

	stored, err := p.Approvals().GetApproval(t.Context(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomeCancelled, stored.Outcome)
}

func TestManager_RestoreTimers_ExpiredDeadlineFiresImmediately(t *testing.T) {
	p := file.NewPersistence(t.TempDir())

	t.Cleanup(func() {
		_ = p.Close(t.Context())
	})

	// Simulate a request created before a crash whose deadline already
	// passed.
	req := &models.ApprovalRequest{
		ID:           "apr-1",
		RunID:        "run-1",
		NodeID:       "gate",
		Namespace:    "orders",
		ApproverRole: "ops",
		Outcome:      models.ApprovalOutcomePending,
		Deadline:     time.Now().UTC().Add(-time.Minute),
		CreatedAt:    time.Now().UTC().Add(-2 * time.Minute),
	}
	require.NoError(t, p.Approvals().CreateApproval(t.Context(), req))

	bus := &capturingBus{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	manager := approval.NewManager(p.Approvals(), bus, logger)
	t.Cleanup(manager.Stop)

	require.NoError(t, manager.RestoreTimers(t.Context()))

	require.Eventually(t, func() bool {
		stored, err := p.Approvals().GetApproval(t.Context(), req.ID)

		return err == nil && stored.Outcome == models.ApprovalOutcomeTimedOut
	}, 2*time.Second, 10*time.Millisecond)
}
