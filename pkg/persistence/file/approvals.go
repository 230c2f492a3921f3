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

const approvalsDir = "approvals"

// ApprovalRepository stores approval requests as JSON files.
type ApprovalRepository struct {
	store *Persistence
}

// CreateApproval persists a new pending approval request.
func (r *ApprovalRepository) CreateApproval(_ context.Context, req *models.ApprovalRequest) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.writeJSON(approvalsDir, req.ID, req)
}

// GetApproval loads an approval request by ID.
func (r *ApprovalRepository) GetApproval(_ context.Context, id string) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest

	err := r.store.readJSON(approvalsDir, id, &req)
	if os.IsNotExist(err) {
		return nil, persistence.ErrApprovalNotFound
	}

	if err != nil {
		return nil, err
	}

	return &req, nil
}

// ListPendingApprovals returns unresolved requests, oldest deadline first,
// optionally scoped to one run.
func (r *ApprovalRepository) ListPendingApprovals(_ context.Context, runID string) ([]*models.ApprovalRequest, error) {
	var pending []*models.ApprovalRequest

	err := listJSON(r.store, approvalsDir, func(data []byte) error {
		var req models.ApprovalRequest

		err := json.Unmarshal(data, &req)
		if err != nil {
			return err
		}

		if req.Outcome.IsResolved() {
			return nil
		}

		if runID != "" && req.RunID != runID {
			return nil
		}

		pending = append(pending, &req)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Deadline.Before(pending[j].Deadline)
	})

	return pending, nil
}

// ResolveApproval records the outcome exactly once; later resolvers get
// ErrAlreadyResolved. The check-and-write runs under the store mutex so the
// explicit signal and the timeout timer cannot both win.
func (r *ApprovalRepository) ResolveApproval(
	_ context.Context,
	id string,
	outcome models.ApprovalOutcome,
	decidedBy string,
) (*models.ApprovalRequest, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var req models.ApprovalRequest

	err := r.store.readJSON(approvalsDir, id, &req)
	if os.IsNotExist(err) {
		return nil, persistence.ErrApprovalNotFound
	}

	if err != nil {
		return nil, err
	}

	if req.Outcome.IsResolved() {
		return nil, persistence.ErrAlreadyResolved
	}

	now := time.Now().UTC()
	req.Outcome = outcome
	req.DecidedBy = decidedBy
	req.ResolvedAt = &now

	err = r.store.writeJSON(approvalsDir, id, &req)
	if err != nil {
		return nil, err
	}

	return &req, nil
}
