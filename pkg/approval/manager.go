// Package approval manages approval gates: request creation, one-shot
// resolution and deadline timers.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// Manager owns the lifecycle of approval requests. Resolution is settled by
// the repository's conditional write, so a signal racing the deadline timer
// has exactly one winner; the loser observes ErrAlreadyResolved and gives up.
type Manager struct {
	repo     persistence.ApprovalRepository
	eventBus eventbus.EventPublisher
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewManager(repo persistence.ApprovalRepository, eventBus eventbus.EventPublisher, logger *slog.Logger) *Manager {
	return &Manager{
		repo:     repo,
		eventBus: eventBus,
		logger:   logger.With("module", "approval"),
		timers:   make(map[string]*time.Timer),
	}
}

// Request creates a pending approval request for a node and arms its
// deadline timer.
func (m *Manager) Request(ctx context.Context, run *models.WorkflowRun, node *models.Node) (*models.ApprovalRequest, error) {
	req := &models.ApprovalRequest{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		NodeID:       node.ID,
		Namespace:    run.Namespace,
		ApproverRole: node.Approval.ApproverRole,
		Outcome:      models.ApprovalOutcomePending,
		Deadline:     time.Now().UTC().Add(node.Approval.Timeout),
		CreatedAt:    time.Now().UTC(),
	}

	err := m.repo.CreateApproval(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval request: %w", err)
	}

	m.armTimer(req)

	err = m.eventBus.Publish(ctx, run.ID, events.ApprovalRequested{
		BaseEvent:    events.NewBaseEvent(events.ApprovalRequestedEvent, run.ID),
		ApprovalID:   req.ID,
		NodeID:       req.NodeID,
		Namespace:    req.Namespace,
		ApproverRole: req.ApproverRole,
		Deadline:     req.Deadline,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish approval requested event",
			"approval_id", req.ID, "error", err)
	}

	m.logger.InfoContext(ctx, "Approval requested",
		"approval_id", req.ID, "run_id", run.ID, "node_id", node.ID, "deadline", req.Deadline)

	return req, nil
}

// Resolve records the outcome exactly once and publishes the resolution. The
// loser of a resolution race gets persistence.ErrAlreadyResolved.
func (m *Manager) Resolve(
	ctx context.Context,
	approvalID string,
	outcome models.ApprovalOutcome,
	decidedBy string,
) (*models.ApprovalRequest, error) {
	resolved, err := m.repo.ResolveApproval(ctx, approvalID, outcome, decidedBy)
	if err != nil {
		return nil, err
	}

	m.disarmTimer(approvalID)

	err = m.eventBus.Publish(ctx, resolved.RunID, events.ApprovalResolved{
		BaseEvent:  events.NewBaseEvent(events.ApprovalResolvedEvent, resolved.RunID),
		ApprovalID: resolved.ID,
		NodeID:     resolved.NodeID,
		Namespace:  resolved.Namespace,
		Outcome:    resolved.Outcome,
		DecidedBy:  resolved.DecidedBy,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish approval resolved event",
			"approval_id", resolved.ID, "error", err)
	}

	m.logger.InfoContext(ctx, "Approval resolved",
		"approval_id", resolved.ID, "run_id", resolved.RunID, "outcome", resolved.Outcome)

	return resolved, nil
}

// CancelForRun resolves every pending request of a cancelled run with the
// cancelled outcome.
func (m *Manager) CancelForRun(ctx context.Context, runID string) error {
	pending, err := m.repo.ListPendingApprovals(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list pending approvals for run %s: %w", runID, err)
	}

	for _, req := range pending {
		_, err := m.Resolve(ctx, req.ID, models.ApprovalOutcomeCancelled, "")
		if err != nil && !errors.Is(err, persistence.ErrAlreadyResolved) {
			return err
		}
	}

	return nil
}

// RestoreTimers re-arms deadline timers for every pending request after a
// restart. Requests whose deadline already passed time out immediately.
func (m *Manager) RestoreTimers(ctx context.Context) error {
	pending, err := m.repo.ListPendingApprovals(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list pending approvals: %w", err)
	}

	for _, req := range pending {
		m.armTimer(req)
	}

	m.logger.InfoContext(ctx, "Restored approval timers", "count", len(pending))

	return nil
}

// Stop disarms all timers. Pending requests stay pending; a later restart
// restores them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) armTimer(req *models.ApprovalRequest) {
	delay := time.Until(req.Deadline)
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.timers[req.ID] = time.AfterFunc(delay, func() {
		m.timeout(req.ID)
	})
}

func (m *Manager) disarmTimer(approvalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if timer, ok := m.timers[approvalID]; ok {
		timer.Stop()
		delete(m.timers, approvalID)
	}
}

func (m *Manager) timeout(approvalID string) {
	ctx := context.Background()

	_, err := m.Resolve(ctx, approvalID, models.ApprovalOutcomeTimedOut, "")
	if err != nil && !errors.Is(err, persistence.ErrAlreadyResolved) {
		m.logger.ErrorContext(ctx, "Failed to time out approval request",
			"approval_id", approvalID, "error", err)
	}
}
