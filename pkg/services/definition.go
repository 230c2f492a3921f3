package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gateflow/gateflow/pkg/eventbus"
	"github.com/gateflow/gateflow/pkg/events"
	"github.com/gateflow/gateflow/pkg/graph"
	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/persistence"
	"github.com/gateflow/gateflow/pkg/registry"
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Definition registers and serves immutable workflow definitions. Each
// registration validates the graph once; edits create a new version under
// the same group and never mutate prior versions.
type Definition struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	eventBus    eventbus.EventPublisher
	validate    *validator.Validate
}

func NewDefinition(p persistence.Persistence, reg *registry.Registry, eventBus eventbus.EventPublisher) *Definition {
	return &Definition{
		persistence: p,
		registry:    reg,
		eventBus:    eventBus,
		validate:    validator.New(),
	}
}

// RegisterDefinitionRequest carries a candidate definition. GroupID is empty
// for a brand-new workflow and set when registering a new version of an
// existing one.
type RegisterDefinitionRequest struct {
	Name        string             `json:"name"     validate:"required,min=3"`
	Category    string             `json:"category"`
	Description string             `json:"description"`
	GroupID     string             `json:"group_id,omitempty"`
	Nodes       []*models.Node     `json:"nodes"    validate:"required,min=1,dive"`
	Connections []*models.Connection `json:"connections" validate:"dive"`
	Variables   map[string]any     `json:"variables,omitempty"`
	Schedule    string             `json:"schedule,omitempty"`
}

// RegisterDefinition validates the candidate graph and persists it as a new
// immutable version. Structural violations are returned together so the
// caller can fix them in one pass.
func (d *Definition) RegisterDefinition(ctx context.Context, req RegisterDefinitionRequest) (*models.WorkflowDefinition, *graph.ValidationResult, error) {
	const op = "RegisterDefinition"

	err := d.validate.Struct(req)
	if err != nil {
		return nil, nil, NewValidationError(op, "INVALID_DEFINITION", err.Error(), ErrInvalidDefinition)
	}

	if req.Schedule != "" {
		_, err = scheduleParser.Parse(req.Schedule)
		if err != nil {
			return nil, nil, NewValidationError(op, "INVALID_SCHEDULE",
				fmt.Sprintf("schedule %q: %v", req.Schedule, err), ErrInvalidSchedule)
		}
	}

	def := &models.WorkflowDefinition{
		ID:          uuid.New().String(),
		GroupID:     req.GroupID,
		Version:     1,
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		Nodes:       req.Nodes,
		Connections: req.Connections,
		Variables:   req.Variables,
		Schedule:    req.Schedule,
		CreatedAt:   time.Now().UTC(),
	}

	result := graph.Validate(def)
	if !result.Valid() {
		return nil, result, NewValidationError(op, "INVALID_GRAPH",
			fmt.Sprintf("%d structural violation(s)", len(result.Violations)), ErrInvalidDefinition)
	}

	err = d.validateExecutors(def)
	if err != nil {
		return nil, nil, err
	}

	if def.GroupID == "" {
		def.GroupID = uuid.New().String()
	} else {
		def.Version, err = d.nextVersion(ctx, def.GroupID)
		if err != nil {
			return nil, nil, err
		}
	}

	err = d.persistence.Definitions().Save(ctx, def)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to save definition: %w", err)
	}

	d.publishRegistered(ctx, def)

	return def, result, nil
}

// GetDefinition retrieves one definition by ID.
func (d *Definition) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	if id == "" {
		return nil, NewValidationError("GetDefinition", "MISSING_ID", "definition ID is required", ErrInvalidRequest)
	}

	return d.persistence.Definitions().GetByID(ctx, id)
}

// ListDefinitions returns every registered definition version.
func (d *Definition) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return d.persistence.Definitions().List(ctx)
}

// validateExecutors checks that every executor and agent type referenced by
// the graph is registered and that node configs satisfy the factory schemas.
func (d *Definition) validateExecutors(def *models.WorkflowDefinition) error {
	const op = "RegisterDefinition"

	for _, node := range def.Nodes {
		switch node.Type {
		case models.NodeTypeAction, models.NodeTypeIntegration:
			err := d.registry.ValidateActionConfig(node.Action.ExecutorType, node.Config)
			if err != nil {
				if strings.Contains(err.Error(), "not registered") {
					return NewValidationError(op, "UNKNOWN_EXECUTOR",
						fmt.Sprintf("node %s: %v", node.ID, err), ErrUnknownExecutor)
				}

				return NewValidationError(op, "INVALID_EXECUTOR_CONFIG",
					fmt.Sprintf("node %s: %v", node.ID, err), ErrInvalidDefinition)
			}
		case models.NodeTypeAgent:
			err := d.registry.ValidateAgentConfig(node.Agent.AgentType, node.Config)
			if err != nil {
				if strings.Contains(err.Error(), "not registered") {
					return NewValidationError(op, "UNKNOWN_AGENT_TYPE",
						fmt.Sprintf("node %s: %v", node.ID, err), ErrUnknownAgentType)
				}

				return NewValidationError(op, "INVALID_AGENT_CONFIG",
					fmt.Sprintf("node %s: %v", node.ID, err), ErrInvalidDefinition)
			}
		}
	}

	return nil
}

func (d *Definition) nextVersion(ctx context.Context, groupID string) (int, error) {
	defs, err := d.persistence.Definitions().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list definitions: %w", err)
	}

	version := 0

	for _, def := range defs {
		if def.GroupID == groupID && def.Version > version {
			version = def.Version
		}
	}

	if version == 0 {
		return 0, NewValidationError("RegisterDefinition", "UNKNOWN_GROUP",
			fmt.Sprintf("definition group %q has no versions", groupID), ErrDefinitionNotFound)
	}

	return version + 1, nil
}

func (d *Definition) publishRegistered(ctx context.Context, def *models.WorkflowDefinition) {
	_ = d.eventBus.Publish(ctx, def.ID, events.DefinitionRegistered{
		BaseEvent:    events.NewBaseEvent(events.DefinitionRegisteredEvent, ""),
		DefinitionID: def.ID,
		GroupID:      def.GroupID,
		Version:      def.Version,
		Schedule:     def.Schedule,
	})
}
