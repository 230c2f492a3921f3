package file

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

const definitionsDir = "definitions"

// DefinitionRepository stores immutable workflow definitions as JSON files.
type DefinitionRepository struct {
	store *Persistence
}

// Save persists a new definition. Existing IDs are rejected: definitions are
// immutable, a new version gets a new ID.
func (r *DefinitionRepository) Save(_ context.Context, def *models.WorkflowDefinition) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var existing models.WorkflowDefinition

	err := r.store.readJSON(definitionsDir, def.ID, &existing)
	if err == nil {
		return persistence.ErrDefinitionAlreadyExists
	}

	if !os.IsNotExist(err) {
		return err
	}

	return r.store.writeJSON(definitionsDir, def.ID, def)
}

// GetByID loads a definition by ID.
func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition

	err := r.store.readJSON(definitionsDir, id, &def)
	if os.IsNotExist(err) {
		return nil, persistence.ErrDefinitionNotFound
	}

	if err != nil {
		return nil, err
	}

	return &def, nil
}

// List returns every registered definition, newest first.
func (r *DefinitionRepository) List(_ context.Context) ([]*models.WorkflowDefinition, error) {
	var defs []*models.WorkflowDefinition

	err := listJSON(r.store, definitionsDir, func(data []byte) error {
		var def models.WorkflowDefinition

		err := json.Unmarshal(data, &def)
		if err != nil {
			return err
		}

		defs = append(defs, &def)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].CreatedAt.After(defs[j].CreatedAt)
	})

	return defs, nil
}
