package webhook

import (
	"github.com/gateflow/gateflow/pkg/protocol"
)

// Factory builds webhook agent invokers.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "webhook"
}

func (f *Factory) Create(config map[string]any) (protocol.AgentInvoker, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewInvoker(config)
}

// Schema returns the JSON schema for the agent configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"endpoint": map[string]any{
				"type":        "string",
				"description": "Agent endpoint receiving the invocation payload",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Invocation timeout in seconds",
				"default":     defaultTimeoutSeconds,
			},
		},
		"required": []string{"endpoint"},
	}
}
