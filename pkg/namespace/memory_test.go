package namespace_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/persistence/file"
)

func testNamespaceRepo(t *testing.T) persistence.NamespaceRepository {
	t.Helper()

	p := file.NewPersistence(t.TempDir())

	t.Cleanup(func() {
		_ = p.Close(t.Context())
	})

	require.NoError(t, p.Namespaces().Save(t.Context(), &models.Namespace{
		Name:          "orders",
		MaxConcurrent: 3,
		CreatedAt:     time.Now().UTC(),
	}))

	return p.Namespaces()
}

func TestMemoryManager_CapEnforced(t *testing.T) {
	m := namespace.NewMemoryManager(testNamespaceRepo(t))

	for range 3 {
		require.NoError(t, m.TryAcquire(t.Context(), "orders"))
	}

	err := m.TryAcquire(t.Context(), "orders")
	require.Error(t, err)
	assert.True(t, namespace.IsCapacityExceeded(err))

	require.NoError(t, m.Release(t.Context(), "orders"))
	require.NoError(t, m.TryAcquire(t.Context(), "orders"))
}

func TestMemoryManager_UnknownNamespace(t *testing.T) {
	m := namespace.NewMemoryManager(testNamespaceRepo(t))

	err := m.TryAcquire(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, persistence.IsNamespaceNotFound(err))
}

func TestMemoryManager_ConcurrentAcquiresNeverExceedCap(t *testing.T) {
	m := namespace.NewMemoryManager(testNamespaceRepo(t))

	const attempts = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := m.TryAcquire(t.Context(), "orders")
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 3, admitted)

	active, err := m.Active(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, active)
}

func TestMemoryManager_ReleaseNeverGoesNegative(t *testing.T) {
	m := namespace.NewMemoryManager(testNamespaceRepo(t))

	require.NoError(t, m.Release(t.Context(), "orders"))

	active, err := m.Active(t.Context(), "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, active)
}

func TestMemoryManager_Restore(t *testing.T) {
	m := namespace.NewMemoryManager(testNamespaceRepo(t))

	require.NoError(t, m.Restore(t.Context(), map[string]int{"orders": 2}))

	require.NoError(t, m.TryAcquire(t.Context(), "orders"))

	err := m.TryAcquire(t.Context(), "orders")
	assert.True(t, namespace.IsCapacityExceeded(err))
}
