package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// RunRepository stores workflow runs and their per-node execution states.
// Node states live in their own table so the optimistic-concurrency write is
// a single conditional statement.
type RunRepository struct {
	db *sql.DB
}

// CreateRun persists a new run record together with any pre-seeded node states.
func (r *RunRepository) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	variables, err := json.Marshal(run.Variables)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, definition_id, namespace, status, input, variables, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.DefinitionID, run.Namespace, run.Status, input, variables, run.StartedAt,
	)
	if err != nil {
		_ = tx.Rollback()

		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	for nodeID, state := range run.NodeStates {
		err = insertNodeState(ctx, tx, run.ID, nodeID, state)
		if err != nil {
			_ = tx.Rollback()

			return persistence.NewNodeStateError("CreateRun", run.ID, nodeID, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	return nil
}

func insertNodeState(ctx context.Context, tx *sql.Tx, runID, nodeID string, state *models.NodeExecutionState) error {
	output, err := json.Marshal(state.Output)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_states (run_id, node_id, status, output, selected_branch, error, attempts, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		runID, nodeID, state.Status, output, state.SelectedBranch, state.Error, state.Attempts, state.StartedAt, state.FinishedAt,
	)

	return err
}

// GetRun loads a run and its node states.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	run, err := r.scanRun(r.db.QueryRowContext(ctx, `
		SELECT id, definition_id, namespace, status, input, variables, failed_node_id, error, started_at, finished_at
		FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetRun", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetRun", id, err)
	}

	err = r.attachNodeStates(ctx, run)
	if err != nil {
		return nil, persistence.NewRunError("GetRun", id, err)
	}

	return run, nil
}

// ListRuns returns runs matching the options, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) ([]*models.WorkflowRun, error) {
	query := `
		SELECT id, definition_id, namespace, status, input, variables, failed_node_id, error, started_at, finished_at
		FROM workflow_runs WHERE 1=1`

	args := []any{}

	if opts.Namespace != "" {
		args = append(args, opts.Namespace)
		query += fmt.Sprintf(" AND namespace = $%d", len(args))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	query += " ORDER BY started_at DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.queryRuns(ctx, query, args...)
}

// ListActiveRuns returns every non-terminal run.
func (r *RunRepository) ListActiveRuns(ctx context.Context) ([]*models.WorkflowRun, error) {
	return r.queryRuns(ctx, `
		SELECT id, definition_id, namespace, status, input, variables, failed_node_id, error, started_at, finished_at
		FROM workflow_runs WHERE status = $1 ORDER BY started_at`, models.RunStatusRunning)
}

// GetNodeState returns the stored state for one node of a run.
func (r *RunRepository) GetNodeState(ctx context.Context, runID, nodeID string) (*models.NodeExecutionState, error) {
	state, err := scanNodeState(r.db.QueryRowContext(ctx, `
		SELECT node_id, status, output, selected_branch, error, attempts, started_at, finished_at
		FROM node_states WHERE run_id = $1 AND node_id = $2`, runID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewNodeStateError("GetNodeState", runID, nodeID, persistence.ErrNodeStateNotFound)
	}

	if err != nil {
		return nil, persistence.NewNodeStateError("GetNodeState", runID, nodeID, err)
	}

	return state, nil
}

// SetNodeState performs the optimistic-concurrency write as one conditional
// statement; the database guarantees a single winner among concurrent
// evaluators.
func (r *RunRepository) SetNodeState(
	ctx context.Context,
	runID, nodeID string,
	expected models.NodeStatus,
	state *models.NodeExecutionState,
) error {
	output, err := json.Marshal(state.Output)
	if err != nil {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, err)
	}

	var result sql.Result

	if expected == models.NodeStatusPending {
		// The node may not have a row yet: an unvisited node counts as
		// pending, so insert-or-conditionally-update.
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO node_states (run_id, node_id, status, output, selected_branch, error, attempts, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, node_id) DO UPDATE
			SET status = EXCLUDED.status,
			    output = EXCLUDED.output,
			    selected_branch = EXCLUDED.selected_branch,
			    error = EXCLUDED.error,
			    attempts = EXCLUDED.attempts,
			    started_at = EXCLUDED.started_at,
			    finished_at = EXCLUDED.finished_at
			WHERE node_states.status = 'pending'`,
			runID, nodeID, state.Status, output, state.SelectedBranch, state.Error, state.Attempts, state.StartedAt, state.FinishedAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE node_states
			SET status = $1, output = $2, selected_branch = $3, error = $4, attempts = $5, started_at = $6, finished_at = $7
			WHERE run_id = $8 AND node_id = $9 AND status = $10`,
			state.Status, output, state.SelectedBranch, state.Error, state.Attempts, state.StartedAt, state.FinishedAt,
			runID, nodeID, expected,
		)
	}

	if err != nil {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, err)
	}

	if affected == 0 {
		return persistence.NewNodeStateError("SetNodeState", runID, nodeID, persistence.ErrConflict)
	}

	return nil
}

// MarkRunTerminal transitions a running run to a terminal status exactly once.
func (r *RunRepository) MarkRunTerminal(
	ctx context.Context,
	runID string,
	status models.RunStatus,
	failedNodeID, reason string,
) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = $1, failed_node_id = $2, error = $3, finished_at = now()
		WHERE id = $4 AND status = $5`,
		status, failedNodeID, reason, runID, models.RunStatusRunning,
	)
	if err != nil {
		return persistence.NewRunError("MarkRunTerminal", runID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRunError("MarkRunTerminal", runID, err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)`, runID).Scan(&exists)
		if err != nil {
			return persistence.NewRunError("MarkRunTerminal", runID, err)
		}

		if !exists {
			return persistence.NewRunError("MarkRunTerminal", runID, persistence.ErrRunNotFound)
		}

		return persistence.NewRunError("MarkRunTerminal", runID, persistence.ErrRunAlreadyTerminal)
	}

	return nil
}

// DeleteTerminalRunsBefore removes terminal runs of a namespace that finished
// before the cutoff. Node states and approvals cascade.
func (r *RunRepository) DeleteTerminalRunsBefore(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM workflow_runs
		WHERE namespace = $1 AND status IN ($2, $3, $4) AND finished_at < $5`,
		namespace, models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal runs in %s: %w", namespace, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RunRepository) scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run        models.WorkflowRun
		input      []byte
		variables  []byte
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&run.ID, &run.DefinitionID, &run.Namespace, &run.Status,
		&input, &variables, &run.FailedNodeID, &run.Error, &run.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}

	if len(input) > 0 {
		err = json.Unmarshal(input, &run.Input)
		if err != nil {
			return nil, err
		}
	}

	if len(variables) > 0 {
		err = json.Unmarshal(variables, &run.Variables)
		if err != nil {
			return nil, err
		}
	}

	run.NodeStates = make(map[string]*models.NodeExecutionState)

	return &run, nil
}

func (r *RunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*models.WorkflowRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.WorkflowRun

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		err = r.attachNodeStates(ctx, run)
		if err != nil {
			return nil, err
		}
	}

	return runs, nil
}

func (r *RunRepository) attachNodeStates(ctx context.Context, run *models.WorkflowRun) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, status, output, selected_branch, error, attempts, started_at, finished_at
		FROM node_states WHERE run_id = $1`, run.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		state, err := scanNodeState(rows)
		if err != nil {
			return err
		}

		run.NodeStates[state.NodeID] = state
	}

	return rows.Err()
}

func scanNodeState(row rowScanner) (*models.NodeExecutionState, error) {
	var (
		state      models.NodeExecutionState
		output     []byte
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&state.NodeID, &state.Status, &output, &state.SelectedBranch,
		&state.Error, &state.Attempts, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		state.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		state.FinishedAt = &finishedAt.Time
	}

	if len(output) > 0 {
		err = json.Unmarshal(output, &state.Output)
		if err != nil {
			return nil, err
		}
	}

	return &state, nil
}
