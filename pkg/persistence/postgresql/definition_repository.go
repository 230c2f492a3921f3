package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

const uniqueViolation = "23505"

// DefinitionRepository stores workflow definitions. The full definition is
// kept as a JSONB document; denormalized columns support listing and lookup.
type DefinitionRepository struct {
	db *sql.DB
}

// Save inserts a new definition. Duplicate IDs are rejected because
// definitions are immutable once registered.
func (r *DefinitionRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition %s: %w", def.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, group_id, version, name, category, description, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		def.ID, def.GroupID, def.Version, def.Name, def.Category, def.Description, data, def.CreatedAt,
	)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return persistence.ErrDefinitionAlreadyExists
	}

	if err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}

	return nil
}

// GetByID loads a definition by ID.
func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, `SELECT data FROM workflow_definitions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrDefinitionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get definition %s: %w", id, err)
	}

	var def models.WorkflowDefinition

	err = json.Unmarshal(data, &def)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", id, err)
	}

	return &def, nil
}

// List returns every registered definition, newest first.
func (r *DefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM workflow_definitions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		var def models.WorkflowDefinition

		err = json.Unmarshal(data, &def)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
		}

		defs = append(defs, &def)
	}

	return defs, rows.Err()
}
