package services

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/namespace"
	"github.com/gateflow/gateflow/pkg/persistence"
)

// Namespace manages tenant namespaces and reports their live occupancy.
type Namespace struct {
	persistence persistence.Persistence
	capacity    namespace.Manager
	validate    *validator.Validate
}

func NewNamespace(p persistence.Persistence, capacity namespace.Manager) *Namespace {
	return &Namespace{
		persistence: p,
		capacity:    capacity,
		validate:    validator.New(),
	}
}

// SaveNamespaceRequest creates or reconfigures a namespace. Lowering
// MaxConcurrent never evicts running work; it only gates new admissions.
type SaveNamespaceRequest struct {
	Name          string        `json:"name"           validate:"required,min=1"`
	Description   string        `json:"description"`
	MaxConcurrent int           `json:"max_concurrent" validate:"required,min=1"`
	Retention     time.Duration `json:"retention,omitempty"`
}

// SaveNamespace upserts a namespace configuration.
func (n *Namespace) SaveNamespace(ctx context.Context, req SaveNamespaceRequest) (*models.Namespace, error) {
	const op = "SaveNamespace"

	err := n.validate.Struct(req)
	if err != nil {
		return nil, NewValidationError(op, "INVALID_NAMESPACE", err.Error(), ErrInvalidRequest)
	}

	ns := &models.Namespace{
		Name:          req.Name,
		Description:   req.Description,
		MaxConcurrent: req.MaxConcurrent,
		Retention:     req.Retention,
		CreatedAt:     time.Now().UTC(),
	}

	existing, err := n.persistence.Namespaces().GetByName(ctx, req.Name)
	if err == nil {
		ns.CreatedAt = existing.CreatedAt
	} else if !persistence.IsNamespaceNotFound(err) {
		return nil, fmt.Errorf("failed to load namespace: %w", err)
	}

	err = n.persistence.Namespaces().Save(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to save namespace: %w", err)
	}

	return ns, nil
}

// NamespaceStatus pairs a namespace configuration with its current number of
// running workflow runs.
type NamespaceStatus struct {
	*models.Namespace

	Active int `json:"active"`
}

// GetNamespace retrieves a namespace with its live occupancy.
func (n *Namespace) GetNamespace(ctx context.Context, name string) (*NamespaceStatus, error) {
	if name == "" {
		return nil, NewValidationError("GetNamespace", "MISSING_NAME", "namespace name is required", ErrNamespaceNameMissing)
	}

	ns, err := n.persistence.Namespaces().GetByName(ctx, name)
	if err != nil {
		return nil, err
	}

	active, err := n.capacity.Active(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read namespace occupancy: %w", err)
	}

	return &NamespaceStatus{Namespace: ns, Active: active}, nil
}

// ListNamespaces returns every namespace with its live occupancy.
func (n *Namespace) ListNamespaces(ctx context.Context) ([]*NamespaceStatus, error) {
	namespaces, err := n.persistence.Namespaces().List(ctx)
	if err != nil {
		return nil, err
	}

	statuses := make([]*NamespaceStatus, 0, len(namespaces))

	for _, ns := range namespaces {
		active, err := n.capacity.Active(ctx, ns.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read namespace occupancy: %w", err)
		}

		statuses = append(statuses, &NamespaceStatus{Namespace: ns, Active: active})
	}

	return statuses, nil
}
