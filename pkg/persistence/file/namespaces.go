package file

import (
	"context"
	"encoding/json"
	"os"
	"sort"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
)

const namespacesDir = "namespaces"

// NamespaceRepository stores namespace configuration as JSON files.
type NamespaceRepository struct {
	store *Persistence
}

// Save persists a namespace, overwriting any previous configuration.
func (r *NamespaceRepository) Save(_ context.Context, namespace *models.Namespace) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	return r.store.writeJSON(namespacesDir, namespace.Name, namespace)
}

// GetByName loads a namespace by name.
func (r *NamespaceRepository) GetByName(_ context.Context, name string) (*models.Namespace, error) {
	var namespace models.Namespace

	err := r.store.readJSON(namespacesDir, name, &namespace)
	if os.IsNotExist(err) {
		return nil, persistence.ErrNamespaceNotFound
	}

	if err != nil {
		return nil, err
	}

	return &namespace, nil
}

// List returns every configured namespace, sorted by name.
func (r *NamespaceRepository) List(_ context.Context) ([]*models.Namespace, error) {
	var namespaces []*models.Namespace

	err := listJSON(r.store, namespacesDir, func(data []byte) error {
		var namespace models.Namespace

		err := json.Unmarshal(data, &namespace)
		if err != nil {
			return err
		}

		namespaces = append(namespaces, &namespace)

		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(namespaces, func(i, j int) bool {
		return namespaces[i].Name < namespaces[j].Name
	})

	return namespaces, nil
}
