package namespace

import (
	"context"
	"sync"

	"github.com/gateflow/gateflow/pkg/persistence"
)

// MemoryManager tracks running counts in process memory. Suited to
// single-worker deployments; multi-worker setups need the Redis manager.
type MemoryManager struct {
	repo persistence.NamespaceRepository

	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryManager(repo persistence.NamespaceRepository) *MemoryManager {
	return &MemoryManager{
		repo:   repo,
		counts: make(map[string]int),
	}
}

func (m *MemoryManager) TryAcquire(ctx context.Context, namespace string) error {
	ns, err := m.repo.GetByName(ctx, namespace)
	if err != nil {
		return &CapacityError{Namespace: namespace, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[namespace] >= ns.MaxConcurrent {
		return &CapacityError{Namespace: namespace, Err: ErrCapacityExceeded}
	}

	m.counts[namespace]++

	return nil
}

func (m *MemoryManager) Release(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts[namespace] > 0 {
		m.counts[namespace]--
	}

	return nil
}

func (m *MemoryManager) Active(_ context.Context, namespace string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.counts[namespace], nil
}

// Restore seeds the running count after a restart, from the active runs
// found in the state store.
func (m *MemoryManager) Restore(_ context.Context, counts map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for namespace, count := range counts {
		m.counts[namespace] = count
	}

	return nil
}
