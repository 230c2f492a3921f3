package file

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

const runsDir = "runs"

// RunRepository stores workflow runs as one JSON file per run, with the
// node execution states embedded.
type RunRepository struct {
	store *Persistence
}

// CreateRun persists a new run record.
func (r *RunRepository) CreateRun(_ context.Context, run *models.WorkflowRun) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.writeJSON(runsDir, run.ID, run)
}

// GetRun loads a run by ID.
func (r *RunRepository) GetRun(_ context.Context, id string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun

	err := r.store.readJSON(runsDir, id, &run)
	if os.IsNotExist(err) {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetRun", id, err)
	}

	return &run, nil
}

// ListRuns returns runs matching the options, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	runs, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowRun, 0, len(runs))

	for _, run := range runs {
		if opts.Namespace != "" && run.Namespace != opts.Namespace {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		filtered = append(filtered, run)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return nil, nil
		}

		filtered = filtered[opts.Offset:]
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

// ListActiveRuns returns every non-terminal run.
func (r *RunRepository) ListActiveRuns(_ context.Context) ([]*models.WorkflowRun, error) {
	runs, err := r.loadAll()
	if err != nil {
		return nil, err
	}

	active := make([]*models.WorkflowRun, 0, len(runs))

	for _, run := range runs {
		if !run.Status.IsTerminal() {
			active = append(active, run)
		}
	}

	return active, nil
}

// GetNodeState returns the stored state for one node of a run.
func (r *RunRepository) GetNodeState(ctx context.Context, runID, nodeID string) (*models.NodeExecutionState, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	state, ok := run.NodeStates[nodeID]
	if !ok {
		return nil, persistence.NewNodeStateError("GetNodeState", runID, nodeID, persistence.ErrNodeStateNotFound)
	}

	return state, nil
}

// SetNodeState replaces a node's state only when the stored status matches
// expected; a node never visited counts as pending. The whole
// read-check-write cycle runs under the store mutex and the file is durably
// rewritten before the call returns.
func (r *RunRepository) SetNodeState(
	_ context.Context,
	runID, nodeID string,
	expected models.NodeStatus,
	state *models.NodeExecutionState,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var run models.WorkflowRun

	err := r.store.readJSON(runsDir, runID, &run)
	if os.IsNotExist(err) {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, err)
	}

	current := models.NodeStatusPending
	if existing, ok := run.NodeStates[nodeID]; ok {
		current = existing.Status
	}

	if current != expected {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, persistence.ErrConflict)
	}

	if run.NodeStates == nil {
		run.NodeStates = make(map[string]*models.NodeExecutionState)
	}

	run.NodeStates[nodeID] = state

	return r.store.writeJSON(runsDir, runID, &run)
}

// MarkRunTerminal transitions a running run to a terminal status exactly once.
func (r *RunRepository) MarkRunTerminal(
	_ context.Context,
	runID string,
	status models.RunStatus,
	failedNodeID, reason string,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var run models.WorkflowRun

	err := r.store.readJSON(runsDir, runID, &run)
	if os.IsNotExist(err) {
		return persistence.NewRunError("MarkRunTerminal", runID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return persistence.NewRunError("MarkRunTerminal", runID, err)
	}

	if run.Status.IsTerminal() {
		return persistence.NewRunError("MarkRunTerminal", runID, persistence.ErrRunAlreadyTerminal)
	}

	now := time.Now().UTC()
	run.Status = status
	run.FailedNodeID = failedNodeID
	run.Error = reason
	run.FinishedAt = &now

	return r.store.writeJSON(runsDir, runID, &run)
}

// DeleteTerminalRunsBefore removes terminal runs of a namespace that finished
// before the cutoff.
func (r *RunRepository) DeleteTerminalRunsBefore(_ context.Context, namespace string, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	runs, err := r.loadAll()
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, run := range runs {
		if run.Namespace != namespace || !run.Status.IsTerminal() {
			continue
		}

		if run.FinishedAt == nil || !run.FinishedAt.Before(cutoff) {
			continue
		}

		err = r.store.remove(runsDir, run.ID)
		if err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}

func (r *RunRepository) loadAll() ([]*models.WorkflowRun, error) {
	var runs []*models.WorkflowRun

	err := listJSON(r.store, runsDir, func(data []byte) error {
		var run models.WorkflowRun

		err := json.Unmarshal(data, &run)
		if err != nil {
			return err
		}

		runs = append(runs, &run)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}
