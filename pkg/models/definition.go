// Package models defines the core domain models for durable workflow orchestration.
package models

import "time"

// NodeType enumerates the supported workflow node kinds.
type NodeType string

const (
	NodeTypeTrigger     NodeType = "trigger"     // Entry point, completes immediately with its config as output
	NodeTypeAction      NodeType = "action"      // Invokes a registered action executor
	NodeTypeCondition   NodeType = "condition"   // Selects one outgoing branch from an ordered rule list
	NodeTypeApproval    NodeType = "approval"    // Suspends the branch until a human decision or timeout
	NodeTypeAgent       NodeType = "agent"       // Fans out to one or more agent invocations
	NodeTypeIntegration NodeType = "integration" // Invokes an external integration target
)

// AgentPattern describes how many parallel sub-tasks an agent node fans out to.
type AgentPattern string

const (
	AgentPatternSingle AgentPattern = "single-agent"
	AgentPatternDuo    AgentPattern = "2-agent"
	AgentPatternTrio   AgentPattern = "3-agent"
	AgentPatternQuad   AgentPattern = "4-agent"
)

// FanOut returns the number of concurrent sub-task invocations for the pattern.
// Unknown patterns fall back to a single invocation.
func (p AgentPattern) FanOut() int {
	switch p {
	case AgentPatternSingle:
		return 1
	case AgentPatternDuo:
		return 2
	case AgentPatternTrio:
		return 3
	case AgentPatternQuad:
		return 4
	default:
		return 1
	}
}

// WorkflowDefinition is an immutable workflow template. Registration validates
// the graph once; runs reference definitions by ID and never mutate them.
// Edits create a new version under the same definition group.
type WorkflowDefinition struct {
	ID          string        `json:"id"`
	GroupID     string        `json:"group_id"` // Stable ID linking all versions
	Version     int           `json:"version"`
	Name        string        `json:"name"        validate:"required,min=3"`
	Category    string        `json:"category"`
	Description string        `json:"description"`
	Nodes       []*Node       `json:"nodes"       validate:"required,min=1"`
	Connections []*Connection `json:"connections"`
	Variables   map[string]any `json:"variables,omitempty"`
	Schedule    string        `json:"schedule,omitempty"` // Optional cron expression for scheduled runs
	CreatedAt   time.Time     `json:"created_at"`
}

// Node is one vertex of the workflow graph. Exactly one of the type-specific
// config variants must be set, matching Type; the Graph Validator enforces
// this at registration so dispatch never sees a malformed node.
type Node struct {
	ID          string         `json:"id"          validate:"required"`
	Type        NodeType       `json:"type"        validate:"required"`
	Name        string         `json:"name"        validate:"required,min=1"`
	Description string         `json:"description"`
	Config      map[string]any `json:"config,omitempty"` // Opaque parameters passed to the executor

	Action    *ActionConfig    `json:"action,omitempty"`    // action / integration nodes
	Condition *ConditionConfig `json:"condition,omitempty"` // condition nodes
	Approval  *ApprovalConfig  `json:"approval,omitempty"`  // approval nodes
	Agent     *AgentConfig     `json:"agent,omitempty"`     // agent nodes
}

// IsSuspending reports whether the node type completes via an external event
// rather than immediate computation.
func (n *Node) IsSuspending() bool {
	return n.Type == NodeTypeApproval || n.Type == NodeTypeAgent
}

// ActionConfig parameterizes action and integration nodes.
type ActionConfig struct {
	ExecutorType  string       `json:"executor_type" validate:"required"` // Registered executor ID, e.g. "http_request"
	CredentialRef string       `json:"credential_ref,omitempty"`          // Opaque per-tenant credential reference
	Retry         *RetryPolicy `json:"retry,omitempty"`
}

// ConditionRule pairs a predicate expression with the outgoing connection it
// selects. Rules are evaluated in declared order.
type ConditionRule struct {
	When         string `json:"when"          validate:"required"`
	ConnectionID string `json:"connection_id" validate:"required"`
}

// ConditionConfig parameterizes condition nodes: an ordered rule list plus an
// optional default fallback connection taken when no rule matches.
type ConditionConfig struct {
	Rules               []ConditionRule `json:"rules" validate:"required,min=1,dive"`
	DefaultConnectionID string          `json:"default_connection_id,omitempty"`
}

// ApprovalConfig parameterizes approval nodes.
type ApprovalConfig struct {
	ApproverRole string        `json:"approver_role" validate:"required"`
	Timeout      time.Duration `json:"timeout"       validate:"required,min=1s"`
}

// AgentConfig parameterizes agent nodes.
type AgentConfig struct {
	Pattern    AgentPattern `json:"pattern"    validate:"required"`
	AgentType  string       `json:"agent_type" validate:"required"`
	BestEffort bool         `json:"best_effort"`       // Accept partial results when sub-tasks fail
	CredentialRef string    `json:"credential_ref,omitempty"`
	Retry      *RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy bounds retries of a failed dispatch with exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval"`
}

// DefaultRetryPolicy is applied to action, integration and agent nodes that
// do not configure their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
	}
}

// Connection is a directed edge between two nodes. Label is the condition tag
// used by condition and approval nodes to select among multiple outgoing
// edges ("approved", "rejected", a branch name); an empty label marks the
// single default edge such a node may have. AllowLoop tags edges that are
// permitted to close a cycle (bounded retry / nurture loops).
type Connection struct {
	ID        string `json:"id"     validate:"required"`
	Source    string `json:"source" validate:"required"`
	Target    string `json:"target" validate:"required"`
	Label     string `json:"label,omitempty"`
	AllowLoop bool   `json:"allow_loop,omitempty"`
}
