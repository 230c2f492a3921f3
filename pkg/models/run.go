package models

import "time"

// RunStatus is the overall lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer make progress.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// NodeStatus is the per-node execution state within a run.
type NodeStatus string

const (
	NodeStatusPending         NodeStatus = "pending"
	NodeStatusRunning         NodeStatus = "running"
	NodeStatusCompleted       NodeStatus = "completed"
	NodeStatusFailed          NodeStatus = "failed"
	NodeStatusWaitingApproval NodeStatus = "waiting-approval"
)

// NodeExecutionState is the durable record of one node's progress within a
// run. The state store is the only authoritative view; transitions go through
// the optimistic-concurrency write so concurrent evaluators never
// double-dispatch a node.
type NodeExecutionState struct {
	NodeID         string         `json:"node_id"`
	Status         NodeStatus     `json:"status"`
	Output         map[string]any `json:"output,omitempty"`          // Resolved output passed downstream
	SelectedBranch string         `json:"selected_branch,omitempty"` // Connection ID chosen by condition/approval nodes
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// WorkflowRun is one execution instance of a WorkflowDefinition.
type WorkflowRun struct {
	ID           string                         `json:"id"`
	DefinitionID string                         `json:"definition_id"`
	Namespace    string                         `json:"namespace"`
	Status       RunStatus                      `json:"status"`
	Input        map[string]any                 `json:"input,omitempty"`
	Variables    map[string]any                 `json:"variables,omitempty"`
	NodeStates   map[string]*NodeExecutionState `json:"node_states"`
	FailedNodeID string                         `json:"failed_node_id,omitempty"`
	Error        string                         `json:"error,omitempty"`
	StartedAt    time.Time                      `json:"started_at"`
	FinishedAt   *time.Time                     `json:"finished_at,omitempty"`
}

// NodeState returns the execution state for a node, or a pending placeholder
// when the node has not been visited yet.
func (r *WorkflowRun) NodeState(nodeID string) *NodeExecutionState {
	if state, ok := r.NodeStates[nodeID]; ok {
		return state
	}

	return &NodeExecutionState{NodeID: nodeID, Status: NodeStatusPending}
}
