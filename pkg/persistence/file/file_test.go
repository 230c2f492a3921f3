package file

import (
	"sync"
	"testing"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRun(id string) *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:           id,
		DefinitionID: "def-1",
		Namespace:    "default",
		Status:       models.RunStatusRunning,
		NodeStates:   map[string]*models.NodeExecutionState{},
		StartedAt:    time.Now().UTC(),
	}
}

func TestRunRepositoryCreateAndGet(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-1")))

	got, err := runs.GetRun(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ID)
	assert.Equal(t, models.RunStatusRunning, got.Status)
}

func TestRunRepositoryGetRunNotFound(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.Runs().GetRun(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestSetNodeStateOptimisticConcurrency(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-1")))

	// Unvisited node counts as pending.
	err := runs.SetNodeState(t.Context(), "run-1", "node-a", models.NodeStatusPending, &models.NodeExecutionState{
		NodeID: "node-a",
		Status: models.NodeStatusRunning,
	})
	require.NoError(t, err)

	// A stale expectation loses.
	err = runs.SetNodeState(t.Context(), "run-1", "node-a", models.NodeStatusPending, &models.NodeExecutionState{
		NodeID: "node-a",
		Status: models.NodeStatusRunning,
	})
	require.Error(t, err)
	assert.True(t, persistence.IsConflict(err))

	// A matching expectation wins.
	err = runs.SetNodeState(t.Context(), "run-1", "node-a", models.NodeStatusRunning, &models.NodeExecutionState{
		NodeID: "node-a",
		Status: models.NodeStatusCompleted,
	})
	require.NoError(t, err)

	state, err := runs.GetNodeState(t.Context(), "run-1", "node-a")
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusCompleted, state.Status)
}

func TestSetNodeStateConcurrentWritersSingleWinner(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-1")))

	const writers = 8

	var wg sync.WaitGroup

	errs := make([]error, writers)

	for i := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = runs.SetNodeState(t.Context(), "run-1", "node-a", models.NodeStatusPending, &models.NodeExecutionState{
				NodeID: "node-a",
				Status: models.NodeStatusRunning,
			})
		}()
	}

	wg.Wait()

	successes := 0

	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, persistence.IsConflict(err))
		}
	}

	assert.Equal(t, 1, successes)
}

func TestMarkRunTerminalOnlyOnce(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-1")))

	require.NoError(t, runs.MarkRunTerminal(t.Context(), "run-1", models.RunStatusCancelled, "", ""))

	err := runs.MarkRunTerminal(t.Context(), "run-1", models.RunStatusFailed, "node-a", "boom")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRunAlreadyTerminal)

	got, err := runs.GetRun(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	require.NotNil(t, got.FinishedAt)
}

func TestListRunsFiltering(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	first := testRun("run-1")
	second := testRun("run-2")
	second.Namespace = "marketing"

	require.NoError(t, runs.CreateRun(t.Context(), first))
	require.NoError(t, runs.CreateRun(t.Context(), second))
	require.NoError(t, runs.MarkRunTerminal(t.Context(), "run-2", models.RunStatusCompleted, "", ""))

	byNamespace, err := runs.ListRuns(t.Context(), persistence.ListRunsOptions{Namespace: "marketing"})
	require.NoError(t, err)
	require.Len(t, byNamespace, 1)
	assert.Equal(t, "run-2", byNamespace[0].ID)

	running := models.RunStatusRunning
	byStatus, err := runs.ListRuns(t.Context(), persistence.ListRunsOptions{Status: &running})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "run-1", byStatus[0].ID)

	active, err := runs.ListActiveRuns(t.Context())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "run-1", active[0].ID)
}

func TestDeleteTerminalRunsBefore(t *testing.T) {
	store := NewPersistence(t.TempDir())
	runs := store.Runs()

	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-old")))
	require.NoError(t, runs.CreateRun(t.Context(), testRun("run-live")))
	require.NoError(t, runs.MarkRunTerminal(t.Context(), "run-old", models.RunStatusCompleted, "", ""))

	removed, err := runs.DeleteTerminalRunsBefore(t.Context(), "default", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = runs.GetRun(t.Context(), "run-old")
	assert.True(t, persistence.IsRunNotFound(err))

	_, err = runs.GetRun(t.Context(), "run-live")
	assert.NoError(t, err)
}

func TestApprovalResolveExactlyOnce(t *testing.T) {
	store := NewPersistence(t.TempDir())
	approvals := store.Approvals()

	req := &models.ApprovalRequest{
		ID:           "appr-1",
		RunID:        "run-1",
		NodeID:       "gate",
		ApproverRole: "manager",
		Outcome:      models.ApprovalOutcomePending,
		Deadline:     time.Now().UTC().Add(time.Minute),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, approvals.CreateApproval(t.Context(), req))

	const resolvers = 6

	var wg sync.WaitGroup

	errs := make([]error, resolvers)

	for i := range resolvers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, errs[i] = approvals.ResolveApproval(t.Context(), "appr-1", models.ApprovalOutcomeApproved, "alice")
		}()
	}

	wg.Wait()

	successes := 0

	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.True(t, persistence.IsAlreadyResolved(err))
		}
	}

	assert.Equal(t, 1, successes)

	resolved, err := approvals.GetApproval(t.Context(), "appr-1")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalOutcomeApproved, resolved.Outcome)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestListPendingApprovals(t *testing.T) {
	store := NewPersistence(t.TempDir())
	approvals := store.Approvals()

	now := time.Now().UTC()

	for _, req := range []*models.ApprovalRequest{
		{ID: "a1", RunID: "run-1", NodeID: "gate", Outcome: models.ApprovalOutcomePending, Deadline: now.Add(2 * time.Minute)},
		{ID: "a2", RunID: "run-2", NodeID: "gate", Outcome: models.ApprovalOutcomePending, Deadline: now.Add(time.Minute)},
		{ID: "a3", RunID: "run-1", NodeID: "gate2", Outcome: models.ApprovalOutcomeRejected, Deadline: now},
	} {
		require.NoError(t, approvals.CreateApproval(t.Context(), req))
	}

	all, err := approvals.ListPendingApprovals(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID, "sorted by deadline")

	scoped, err := approvals.ListPendingApprovals(t.Context(), "run-1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a1", scoped[0].ID)
}

func TestDefinitionImmutability(t *testing.T) {
	store := NewPersistence(t.TempDir())
	definitions := store.Definitions()

	def := &models.WorkflowDefinition{ID: "def-1", Name: "One", CreatedAt: time.Now().UTC()}
	require.NoError(t, definitions.Save(t.Context(), def))

	err := definitions.Save(t.Context(), def)
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrDefinitionAlreadyExists)
}

func TestNamespaceRoundTrip(t *testing.T) {
	store := NewPersistence(t.TempDir())
	namespaces := store.Namespaces()

	_, err := namespaces.GetByName(t.Context(), "missing")
	assert.True(t, persistence.IsNamespaceNotFound(err))

	require.NoError(t, namespaces.Save(t.Context(), &models.Namespace{Name: "default", MaxConcurrent: 5}))

	got, err := namespaces.GetByName(t.Context(), "default")
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxConcurrent)

	list, err := namespaces.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
