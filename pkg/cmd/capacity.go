package cmd

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// NewCapacityManager selects the namespace admission backend. A Redis URL
// enables coordination across workers; without one the counts live in
// process memory.
func NewCapacityManager(cacheURL string, p persistence.Persistence) (namespace.Manager, error) {
	if strings.HasPrefix(cacheURL, "redis://") {
		opts, err := redis.ParseURL(cacheURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cache URL: %w", err)
		}

		return namespace.NewRedisManager(p.Namespaces(), redis.NewClient(opts)), nil
	}

	return namespace.NewMemoryManager(p.Namespaces()), nil
}
