package namespace

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gateflow/gateflow/pkg/persistence"
)

// acquireScript performs the check-and-increment atomically on the Redis
// side, so concurrent workers never admit past the cap.
var acquireScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local max = tonumber(ARGV[1])
if current >= max then
	return -1
end
return redis.call('INCR', KEYS[1])
`)

// releaseScript decrements without going below zero.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// RedisManager shares running counts across workers through Redis.
type RedisManager struct {
	repo   persistence.NamespaceRepository
	client redis.UniversalClient
}

func NewRedisManager(repo persistence.NamespaceRepository, client redis.UniversalClient) *RedisManager {
	return &RedisManager{repo: repo, client: client}
}

func counterKey(namespace string) string {
	return "gateflow:namespace:" + namespace + ":running"
}

func (m *RedisManager) TryAcquire(ctx context.Context, namespace string) error {
	ns, err := m.repo.GetByName(ctx, namespace)
	if err != nil {
		return &CapacityError{Namespace: namespace, Err: err}
	}

	result, err := acquireScript.Run(ctx, m.client, []string{counterKey(namespace)}, ns.MaxConcurrent).Int()
	if err != nil {
		return &CapacityError{Namespace: namespace, Err: fmt.Errorf("failed to acquire slot: %w", err)}
	}

	if result < 0 {
		return &CapacityError{Namespace: namespace, Err: ErrCapacityExceeded}
	}

	return nil
}

func (m *RedisManager) Release(ctx context.Context, namespace string) error {
	err := releaseScript.Run(ctx, m.client, []string{counterKey(namespace)}).Err()
	if err != nil {
		return &CapacityError{Namespace: namespace, Err: fmt.Errorf("failed to release slot: %w", err)}
	}

	return nil
}

func (m *RedisManager) Active(ctx context.Context, namespace string) (int, error) {
	count, err := m.client.Get(ctx, counterKey(namespace)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read running count for %s: %w", namespace, err)
	}

	return count, nil
}

// Restore overwrites the shared counters after a recovery sweep, from the
// active runs found in the state store.
func (m *RedisManager) Restore(ctx context.Context, counts map[string]int) error {
	for namespace, count := range counts {
		err := m.client.Set(ctx, counterKey(namespace), count, 0).Err()
		if err != nil {
			return fmt.Errorf("failed to restore running count for %s: %w", namespace, err)
		}
	}

	return nil
}
