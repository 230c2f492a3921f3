package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// NamespaceRepository stores namespace capacity and retention settings.
type NamespaceRepository struct {
	db *sql.DB
}

// Save creates or updates a namespace.
func (r *NamespaceRepository) Save(ctx context.Context, ns *models.Namespace) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO namespaces (name, description, max_concurrent, retention_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET description = EXCLUDED.description,
		    max_concurrent = EXCLUDED.max_concurrent,
		    retention_seconds = EXCLUDED.retention_seconds`,
		ns.Name, ns.Description, ns.MaxConcurrent, int64(ns.Retention/time.Second), ns.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save namespace %s: %w", ns.Name, err)
	}

	return nil
}

// GetByName returns a namespace by its name.
func (r *NamespaceRepository) GetByName(ctx context.Context, name string) (*models.Namespace, error) {
	ns, err := scanNamespace(r.db.QueryRowContext(ctx, `
		SELECT name, description, max_concurrent, retention_seconds, created_at
		FROM namespaces WHERE name = $1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNamespaceNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get namespace %s: %w", name, err)
	}

	return ns, nil
}

// List returns all namespaces ordered by name.
func (r *NamespaceRepository) List(ctx context.Context) ([]*models.Namespace, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, description, max_concurrent, retention_seconds, created_at
		FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	defer rows.Close()

	var namespaces []*models.Namespace

	for rows.Next() {
		ns, err := scanNamespace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan namespace: %w", err)
		}

		namespaces = append(namespaces, ns)
	}

	return namespaces, rows.Err()
}

func scanNamespace(row rowScanner) (*models.Namespace, error) {
	var (
		ns               models.Namespace
		retentionSeconds int64
	)

	err := row.Scan(&ns.Name, &ns.Description, &ns.MaxConcurrent, &retentionSeconds, &ns.CreatedAt)
	if err != nil {
		return nil, err
	}

	ns.Retention = time.Duration(retentionSeconds) * time.Second

	return &ns, nil
}
