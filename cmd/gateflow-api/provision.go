package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gateflow/gateflow/pkg/config"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// provisionNamespaces upserts the namespaces listed in the bootstrap file.
// Existing namespaces keep their creation timestamp.
func provisionNamespaces(ctx context.Context, p persistence.Persistence, path string) error {
	namespaces, err := config.LoadNamespaces(path)
	if err != nil {
		return err
	}

	for _, nsConfig := range namespaces {
		ns := &models.Namespace{
			Name:          nsConfig.Name,
			Description:   nsConfig.Description,
			MaxConcurrent: nsConfig.MaxConcurrent,
			Retention:     nsConfig.Retention,
			CreatedAt:     time.Now().UTC(),
		}

		existing, err := p.Namespaces().GetByName(ctx, nsConfig.Name)
		if err == nil {
			ns.CreatedAt = existing.CreatedAt
		} else if !persistence.IsNamespaceNotFound(err) {
			return fmt.Errorf("failed to load namespace %q: %w", nsConfig.Name, err)
		}

		err = p.Namespaces().Save(ctx, ns)
		if err != nil {
			return fmt.Errorf("failed to provision namespace %q: %w", nsConfig.Name, err)
		}
	}

	return nil
}
