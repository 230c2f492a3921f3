// Package persistence provides the durable execution state store for
// workflow definitions, runs, approval requests and namespaces. The store is
// the only authoritative view of progress: schedulers never hold decision
// state only in memory across a suspension point.
package persistence

import (
	"context"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

// Persistence aggregates the repositories of the state store.
type Persistence interface {
	Definitions() DefinitionRepository
	Runs() RunRepository
	Approvals() ApprovalRepository
	Namespaces() NamespaceRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores immutable, versioned workflow definitions.
type DefinitionRepository interface {
	// Save persists a new definition. Definitions are never overwritten;
	// saving an existing ID fails with ErrDefinitionAlreadyExists.
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)
}

// ListRunsOptions filters and paginates run listings.
type ListRunsOptions struct {
	Namespace string
	Status    *models.RunStatus
	Limit     int
	Offset    int
}

// RunRepository stores workflow runs and their per-node execution states.
type RunRepository interface {
	CreateRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	ListRuns(ctx context.Context, opts ListRunsOptions) ([]*models.WorkflowRun, error)

	// ListActiveRuns returns every non-terminal run, used by the recovery
	// sweep after a coordinator restart.
	ListActiveRuns(ctx context.Context) ([]*models.WorkflowRun, error)

	GetNodeState(ctx context.Context, runID, nodeID string) (*models.NodeExecutionState, error)

	// SetNodeState is the optimistic-concurrency write: it replaces the
	// node's state only when the stored status matches expected (a node
	// never visited counts as pending). A mismatch fails with ErrConflict
	// so the caller re-reads and re-decides. The write is durable before
	// it is acknowledged.
	SetNodeState(ctx context.Context, runID, nodeID string, expected models.NodeStatus, state *models.NodeExecutionState) error

	// MarkRunTerminal transitions a running run to the given terminal
	// status. Fails with ErrRunAlreadyTerminal when the run already
	// reached a terminal status, so capacity release happens exactly once.
	MarkRunTerminal(ctx context.Context, runID string, status models.RunStatus, failedNodeID, reason string) error

	// DeleteTerminalRunsBefore removes terminal runs in a namespace that
	// finished before the cutoff, returning how many were removed.
	DeleteTerminalRunsBefore(ctx context.Context, namespace string, cutoff time.Time) (int, error)
}

// ApprovalRepository stores approval requests with one-shot resolution.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, req *models.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// ListPendingApprovals returns unresolved requests, optionally scoped
	// to one run (empty runID means all).
	ListPendingApprovals(ctx context.Context, runID string) ([]*models.ApprovalRequest, error)

	// ResolveApproval records the outcome exactly once. Concurrent
	// resolvers (explicit signal racing the timeout) see one success; the
	// rest fail with ErrAlreadyResolved.
	ResolveApproval(ctx context.Context, id string, outcome models.ApprovalOutcome, decidedBy string) (*models.ApprovalRequest, error)
}

// NamespaceRepository stores namespace configuration.
type NamespaceRepository interface {
	Save(ctx context.Context, namespace *models.Namespace) error
	GetByName(ctx context.Context, name string) (*models.Namespace, error)
	List(ctx context.Context) ([]*models.Namespace, error)
}
