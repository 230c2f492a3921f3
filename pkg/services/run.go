package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gateflow/gateflow/pkg/approval"
	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// Run starts, inspects, signals and cancels workflow runs. Starting a run
// admits it against the namespace capacity and records durable state before
// anything executes; the dispatch itself happens on the worker reacting to
// the published event.
type Run struct {
	persistence persistence.Persistence
	capacity    namespace.Manager
	approvals   *approval.Manager
	eventBus    eventbus.EventPublisher
	validate    *validator.Validate
}

func NewRun(
	p persistence.Persistence,
	capacity namespace.Manager,
	approvals *approval.Manager,
	eventBus eventbus.EventPublisher,
) *Run {
	return &Run{
		persistence: p,
		capacity:    capacity,
		approvals:   approvals,
		eventBus:    eventBus,
		validate:    validator.New(),
	}
}

// HealthCheck checks the health of the persistence layer.
func (r *Run) HealthCheck(ctx context.Context) (string, bool) {
	if r.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := r.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// StartRunRequest identifies the definition to run and the tenant namespace
// that accounts for it.
type StartRunRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	Namespace    string         `json:"namespace"     validate:"required"`
	Input        map[string]any `json:"input,omitempty"`
}

// StartRun admits a new run against the namespace's concurrency limit,
// persists it with every node pending and announces it on the event bus.
// The slot is held until the run reaches a terminal status.
func (r *Run) StartRun(ctx context.Context, req StartRunRequest) (*models.WorkflowRun, error) {
	const op = "StartRun"

	err := r.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError(op, "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	def, err := r.persistence.Definitions().GetByID(ctx, req.DefinitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}

	_, err = r.persistence.Namespaces().GetByName(ctx, req.Namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace: %w", err)
	}

	err = r.capacity.TryAcquire(ctx, req.Namespace)
	if err != nil {
		return nil, err
	}

	run := &models.WorkflowRun{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Namespace:    req.Namespace,
		Status:       models.RunStatusRunning,
		Input:        req.Input,
		NodeStates:   map[string]*models.NodeExecutionState{},
		StartedAt:    time.Now().UTC(),
	}

	err = r.persistence.Runs().CreateRun(ctx, run)
	if err != nil {
		// Hand the slot back; the run never existed.
		_ = r.capacity.Release(ctx, req.Namespace)

		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	_ = r.eventBus.Publish(ctx, run.ID, events.RunStarted{
		BaseEvent:    events.NewBaseEvent(events.RunStartedEvent, run.ID),
		DefinitionID: def.ID,
		Namespace:    run.Namespace,
	})

	return run, nil
}

// GetRun retrieves a run with its per-node execution state.
func (r *Run) GetRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	if id == "" {
		return nil, NewValidationError("GetRun", "MISSING_ID", "run ID is required", ErrInvalidRequest)
	}

	return r.persistence.Runs().GetRun(ctx, id)
}

// ListRunsRequest filters and paginates run listings.
type ListRunsRequest struct {
	Namespace string
	Status    *models.RunStatus
	Limit     int `validate:"min=0,max=100"`
	Offset    int `validate:"min=0"`
}

// ListRuns retrieves runs filtered by namespace and status.
func (r *Run) ListRuns(ctx context.Context, req ListRunsRequest) ([]*models.WorkflowRun, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	return r.persistence.Runs().ListRuns(ctx, persistence.ListRunsOptions{
		Namespace: req.Namespace,
		Status:    req.Status,
		Limit:     req.Limit,
		Offset:    req.Offset,
	})
}

// ListPendingApprovals returns the unresolved approval requests for a run.
func (r *Run) ListPendingApprovals(ctx context.Context, runID string) ([]*models.ApprovalRequest, error) {
	if runID == "" {
		return nil, NewValidationError("ListPendingApprovals", "MISSING_ID", "run ID is required", ErrInvalidRequest)
	}

	return r.persistence.Approvals().ListPendingApprovals(ctx, runID)
}

// SignalApprovalRequest carries an explicit approval decision.
type SignalApprovalRequest struct {
	RunID      string `validate:"required"`
	ApprovalID string `validate:"required"`
	Decision   string `validate:"required"`
	DecidedBy  string `validate:"required"`
}

// SignalApproval resolves a pending approval request exactly once. A request
// already resolved, whether by an earlier signal, its timeout or a run
// cancellation, fails with ErrApprovalAlreadyResolved.
func (r *Run) SignalApproval(ctx context.Context, req SignalApprovalRequest) (*models.ApprovalRequest, error) {
	const op = "SignalApproval"

	err := r.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError(op, "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	var outcome models.ApprovalOutcome

	switch req.Decision {
	case string(models.ApprovalOutcomeApproved):
		outcome = models.ApprovalOutcomeApproved
	case string(models.ApprovalOutcomeRejected):
		outcome = models.ApprovalOutcomeRejected
	default:
		return nil, NewValidationError(op, "INVALID_DECISION",
			fmt.Sprintf("decision must be %q or %q, got %q",
				models.ApprovalOutcomeApproved, models.ApprovalOutcomeRejected, req.Decision),
			ErrInvalidDecision)
	}

	request, err := r.persistence.Approvals().GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, err
	}

	if request.RunID != req.RunID {
		return nil, persistence.ErrApprovalNotFound
	}

	return r.approvals.Resolve(ctx, req.ApprovalID, outcome, req.DecidedBy)
}

// CancelRun requests termination of a run. The durable transition happens on
// the worker consuming the event; already-terminal runs are rejected here so
// callers get an immediate conflict instead of a silent no-op.
func (r *Run) CancelRun(ctx context.Context, runID, reason, requestedBy string) error {
	if runID == "" {
		return NewValidationError("CancelRun", "MISSING_ID", "run ID is required", ErrInvalidRequest)
	}

	run, err := r.persistence.Runs().GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() {
		return persistence.ErrRunAlreadyTerminal
	}

	return r.eventBus.Publish(ctx, runID, events.RunCancelled{
		BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, runID),
		Namespace:   run.Namespace,
		Reason:      reason,
		RequestedBy: requestedBy,
	})
}
