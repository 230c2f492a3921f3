package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// ApprovalRepository stores approval requests. Resolution races between
// signal, timeout and cancellation are settled by a conditional update.
type ApprovalRepository struct {
	db *sql.DB
}

const approvalColumns = `id, run_id, node_id, namespace, approver_role, outcome, decided_by, comment, deadline, created_at, resolved_at`

// CreateApproval persists a new pending approval request.
func (r *ApprovalRepository) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approval_requests (id, run_id, node_id, namespace, approver_role, outcome, decided_by, comment, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID, req.RunID, req.NodeID, req.Namespace, req.ApproverRole,
		req.Outcome, req.DecidedBy, req.Comment, req.Deadline, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval request %s: %w", req.ID, err)
	}

	return nil
}

// GetApproval returns an approval request by ID.
func (r *ApprovalRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	req, err := scanApproval(r.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrApprovalNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get approval request %s: %w", id, err)
	}

	return req, nil
}

// ListPendingApprovals returns unresolved requests ordered by deadline. An
// empty runID returns pending requests across all runs.
func (r *ApprovalRepository) ListPendingApprovals(ctx context.Context, runID string) ([]*models.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE outcome = $1`
	args := []any{models.ApprovalOutcomePending}

	if runID != "" {
		args = append(args, runID)
		query += fmt.Sprintf(" AND run_id = $%d", len(args))
	}

	query += " ORDER BY deadline"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var requests []*models.ApprovalRequest

	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}

		requests = append(requests, req)
	}

	return requests, rows.Err()
}

// ResolveApproval records the outcome for a still-pending request exactly
// once. Losers of the resolution race get ErrAlreadyResolved.
func (r *ApprovalRepository) ResolveApproval(
	ctx context.Context,
	id string,
	outcome models.ApprovalOutcome,
	decidedBy string,
) (*models.ApprovalRequest, error) {
	req, err := scanApproval(r.db.QueryRowContext(ctx, `
		UPDATE approval_requests
		SET outcome = $1, decided_by = $2, resolved_at = now()
		WHERE id = $3 AND outcome = $4
		RETURNING `+approvalColumns,
		outcome, decidedBy, id, models.ApprovalOutcomePending,
	))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool

		err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve approval request %s: %w", id, err)
		}

		if !exists {
			return nil, persistence.ErrApprovalNotFound
		}

		return nil, persistence.ErrAlreadyResolved
	}

	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval request %s: %w", id, err)
	}

	return req, nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		req        models.ApprovalRequest
		resolvedAt sql.NullTime
	)

	err := row.Scan(
		&req.ID, &req.RunID, &req.NodeID, &req.Namespace, &req.ApproverRole,
		&req.Outcome, &req.DecidedBy, &req.Comment, &req.Deadline, &req.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}

	return &req, nil
}
