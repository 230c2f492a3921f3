// Package registry maps executor and agent types to their factories and
// validates node configuration against the factory schemas.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gateflow/gateflow/pkg/protocol"
)

type Registry struct {
	logger          *slog.Logger
	actionFactories map[string]protocol.ActionFactory
	agentFactories  map[string]protocol.AgentFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log,
		actionFactories: make(map[string]protocol.ActionFactory),
		agentFactories:  make(map[string]protocol.AgentFactory),
	}
}

func (r *Registry) RegisterAction(factory protocol.ActionFactory) {
	r.actionFactories[factory.ID()] = factory
}

func (r *Registry) RegisterAgent(factory protocol.AgentFactory) {
	r.agentFactories[factory.ID()] = factory
}

// CreateAction validates the configuration against the factory schema and
// builds the action.
func (r *Registry) CreateAction(executorType string, config map[string]any) (protocol.Action, error) {
	factory, ok := r.actionFactories[executorType]
	if !ok {
		return nil, fmt.Errorf("executor type '%s' not registered", executorType)
	}

	err := validateConfig(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration for executor '%s': %w", executorType, err)
	}

	return factory.Create(config)
}

// CreateAgentInvoker validates the configuration against the factory schema
// and builds the invoker.
func (r *Registry) CreateAgentInvoker(agentType string, config map[string]any) (protocol.AgentInvoker, error) {
	factory, ok := r.agentFactories[agentType]
	if !ok {
		return nil, fmt.Errorf("agent type '%s' not registered", agentType)
	}

	err := validateConfig(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration for agent '%s': %w", agentType, err)
	}

	return factory.Create(config)
}

// ValidateActionConfig checks configuration at registration time, without
// building the action.
func (r *Registry) ValidateActionConfig(executorType string, config map[string]any) error {
	factory, ok := r.actionFactories[executorType]
	if !ok {
		return fmt.Errorf("executor type '%s' not registered", executorType)
	}

	return validateConfig(factory.Schema(), config)
}

// ValidateAgentConfig checks configuration at registration time, without
// building the invoker.
func (r *Registry) ValidateAgentConfig(agentType string, config map[string]any) error {
	factory, ok := r.agentFactories[agentType]
	if !ok {
		return fmt.Errorf("agent type '%s' not registered", agentType)
	}

	return validateConfig(factory.Schema(), config)
}

// AvailableActions returns the registered executor types.
func (r *Registry) AvailableActions() []string {
	types := make([]string, 0, len(r.actionFactories))
	for executorType := range r.actionFactories {
		types = append(types, executorType)
	}

	return types
}

// AvailableAgents returns the registered agent types.
func (r *Registry) AvailableAgents() []string {
	types := make([]string, 0, len(r.agentFactories))
	for agentType := range r.agentFactories {
		types = append(types, agentType)
	}

	return types
}

func validateConfig(schema map[string]any, config map[string]any) error {
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		return fmt.Errorf("configuration does not match schema: %s", result.Errors()[0].String())
	}

	return nil
}
