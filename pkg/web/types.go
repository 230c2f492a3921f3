// Package web provides the HTTP surface for registering definitions,
// starting and inspecting runs, signalling approvals and managing tenant
// namespaces.
package web

import (
	"time"

	"github.com/gateflow/gateflow/pkg/models"
)

// StartRunRequest is the body of POST /runs.
type StartRunRequest struct {
	DefinitionID string         `json:"definition_id" validate:"required"`
	Namespace    string         `json:"namespace"     validate:"required"`
	Input        map[string]any `json:"input,omitempty"`
}

// SignalApprovalRequest is the body of POST /runs/:id/approvals/:approvalId.
type SignalApprovalRequest struct {
	Decision  string `json:"decision"   validate:"required"`
	DecidedBy string `json:"decided_by" validate:"required"`
	Comment   string `json:"comment,omitempty"`
}

// CancelRunRequest is the body of POST /runs/:id/cancel.
type CancelRunRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by"`
}

// SaveNamespaceRequest is the body of POST /namespaces. Retention is given in
// seconds; zero keeps terminal runs forever.
type SaveNamespaceRequest struct {
	Name             string `json:"name"              validate:"required,min=1"`
	Description      string `json:"description"`
	MaxConcurrent    int    `json:"max_concurrent"    validate:"required,min=1"`
	RetentionSeconds int64  `json:"retention_seconds" validate:"min=0"`
}

// RunResponse summarizes a run with its per-node execution state.
type RunResponse struct {
	ID           string                                `json:"id"`
	DefinitionID string                                `json:"definition_id"`
	Namespace    string                                `json:"namespace"`
	Status       models.RunStatus                      `json:"status"`
	Input        map[string]any                        `json:"input,omitempty"`
	NodeStates   map[string]*models.NodeExecutionState `json:"node_states"`
	FailedNodeID string                                `json:"failed_node_id,omitempty"`
	Error        string                                `json:"error,omitempty"`
	StartedAt    time.Time                             `json:"started_at"`
	FinishedAt   *time.Time                            `json:"finished_at,omitempty"`
}

func newRunResponse(run *models.WorkflowRun) RunResponse {
	return RunResponse{
		ID:           run.ID,
		DefinitionID: run.DefinitionID,
		Namespace:    run.Namespace,
		Status:       run.Status,
		Input:        run.Input,
		NodeStates:   run.NodeStates,
		FailedNodeID: run.FailedNodeID,
		Error:        run.Error,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
	}
}
