// Package namespace enforces per-namespace concurrency caps on run
// admission.
package namespace

import (
	"context"
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned by TryAcquire when the namespace already
// runs at its concurrency cap.
var ErrCapacityExceeded = errors.New("namespace capacity exceeded")

// Manager admits runs into a namespace. Admission is atomic: under concurrent
// TryAcquire calls the running count never exceeds the cap. Release must be
// called exactly once per successful acquire, when the run reaches a terminal
// status.
type Manager interface {
	TryAcquire(ctx context.Context, namespace string) error
	Release(ctx context.Context, namespace string) error
	Active(ctx context.Context, namespace string) (int, error)

	// Restore seeds the running counts from the active runs found in the
	// state store during crash recovery.
	Restore(ctx context.Context, counts map[string]int) error
}

// CapacityError wraps capacity failures with the namespace they occurred in.
type CapacityError struct {
	Namespace string
	Err       error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("namespace %s: %s", e.Namespace, e.Err)
}

func (e *CapacityError) Unwrap() error {
	return e.Err
}

// IsCapacityExceeded checks if an error is a capacity rejection.
func IsCapacityExceeded(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}
