// Package persistence provides standardized error types for state store operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates a workflow definition was not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrDefinitionAlreadyExists indicates a definition with the same ID is
	// already registered. Definitions are immutable.
	ErrDefinitionAlreadyExists = errors.New("definition already exists")

	// ErrRunNotFound indicates a workflow run was not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunAlreadyTerminal indicates a terminal transition was attempted on
	// a run that already reached a terminal status.
	ErrRunAlreadyTerminal = errors.New("run already terminal")

	// ErrNodeStateNotFound indicates no execution state exists for the node.
	ErrNodeStateNotFound = errors.New("node state not found")

	// ErrConflict indicates an optimistic-concurrency write lost the race:
	// the stored status did not match the caller's expectation.
	ErrConflict = errors.New("state conflict")

	// ErrApprovalNotFound indicates an approval request was not found.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved indicates an approval request was resolved before.
	ErrAlreadyResolved = errors.New("approval already resolved")

	// ErrNamespaceNotFound indicates a namespace was not found.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op    string // Operation being performed (e.g. "GetRun", "MarkRunTerminal")
	RunID string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// NodeStateError wraps node-state errors with additional context.
type NodeStateError struct {
	Op     string
	RunID  string
	NodeID string
	Err    error
}

func (e *NodeStateError) Error() string {
	return fmt.Sprintf("%s operation failed for node %s in run %s: %v", e.Op, e.NodeID, e.RunID, e.Err)
}

func (e *NodeStateError) Unwrap() error {
	return e.Err
}

func (e *NodeStateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewNodeStateError creates a new node state error with context.
func NewNodeStateError(op, runID, nodeID string, err error) *NodeStateError {
	return &NodeStateError{Op: op, RunID: runID, NodeID: nodeID, Err: err}
}

// IsDefinitionNotFound checks if an error indicates a missing definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsRunNotFound checks if an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsRunAlreadyTerminal checks if an error indicates a run that already
// reached a terminal status.
func IsRunAlreadyTerminal(err error) bool {
	return errors.Is(err, ErrRunAlreadyTerminal)
}

// IsConflict checks if an error indicates an optimistic-concurrency collision.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsAlreadyResolved checks if an error indicates a duplicate approval signal.
func IsAlreadyResolved(err error) bool {
	return errors.Is(err, ErrAlreadyResolved)
}

// IsNamespaceNotFound checks if an error indicates a missing namespace.
func IsNamespaceNotFound(err error) bool {
	return errors.Is(err, ErrNamespaceNotFound)
}
