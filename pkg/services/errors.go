// Package services implements the application layer between the HTTP surface
// and the persistence, capacity and scheduling subsystems.
package services

import (
	"errors"
	"fmt"

	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// Validation errors (400 Bad Request).
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidDefinition    = errors.New("invalid workflow definition")
	ErrInvalidSchedule      = errors.New("invalid schedule expression")
	ErrUnknownExecutor      = errors.New("unknown executor type")
	ErrUnknownAgentType     = errors.New("unknown agent type")
	ErrInvalidDecision      = errors.New("invalid approval decision")
	ErrDefinitionNil        = errors.New("definition cannot be nil")
	ErrNamespaceNameMissing = errors.New("namespace name is required")
)

// Conflict errors (409 Conflict).
var (
	ErrApprovalAlreadyResolved = persistence.ErrAlreadyResolved
	ErrRunAlreadyTerminal      = persistence.ErrRunAlreadyTerminal
)

// Not-found errors (404 Not Found).
var (
	ErrDefinitionNotFound = persistence.ErrDefinitionNotFound
	ErrRunNotFound        = persistence.ErrRunNotFound
	ErrApprovalNotFound   = persistence.ErrApprovalNotFound
	ErrNamespaceNotFound  = persistence.ErrNamespaceNotFound
)

// ErrNamespaceCapacityExceeded maps to 429 Too Many Requests.
var ErrNamespaceCapacityExceeded = namespace.ErrCapacityExceeded

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrInvalidSchedule) ||
		errors.Is(err, ErrUnknownExecutor) ||
		errors.Is(err, ErrUnknownAgentType) ||
		errors.Is(err, ErrInvalidDecision) ||
		errors.Is(err, ErrDefinitionNil) ||
		errors.Is(err, ErrNamespaceNameMissing)
}

// IsNotFoundError checks if an error should map to HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrNamespaceNotFound)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrApprovalAlreadyResolved) ||
		errors.Is(err, ErrRunAlreadyTerminal)
}

// IsCapacityError checks if an error should map to HTTP 429.
func IsCapacityError(err error) bool {
	return namespace.IsCapacityExceeded(err)
}
