package models

import "time"

// ApprovalOutcome is the one-shot resolution of an approval request.
type ApprovalOutcome string

const (
	ApprovalOutcomePending   ApprovalOutcome = "pending"
	ApprovalOutcomeApproved  ApprovalOutcome = "approved"
	ApprovalOutcomeRejected  ApprovalOutcome = "rejected"
	ApprovalOutcomeTimedOut  ApprovalOutcome = "timed-out"
	ApprovalOutcomeCancelled ApprovalOutcome = "cancelled"
)

// IsResolved reports whether the outcome is terminal.
func (o ApprovalOutcome) IsResolved() bool {
	return o != ApprovalOutcomePending && o != ""
}

// BranchLabel maps the outcome to the connection label it selects on the
// approval node's outgoing edges. Timed-out is a distinct label, not an
// implicit approve or reject.
func (o ApprovalOutcome) BranchLabel() string {
	return string(o)
}

// ApprovalRequest ties a run and node to an approver role, a deadline and a
// resolution. Resolved exactly once, by explicit signal, timeout expiry or
// run cancellation; immutable afterwards.
type ApprovalRequest struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	NodeID       string          `json:"node_id"`
	Namespace    string          `json:"namespace"`
	ApproverRole string          `json:"approver_role"`
	Outcome      ApprovalOutcome `json:"outcome"`
	DecidedBy    string          `json:"decided_by,omitempty"`
	Comment      string          `json:"comment,omitempty"`
	Deadline     time.Time       `json:"deadline"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}
