package transform

import (
	"github.com/gateflow/gateflow/pkg/protocol"
)

// Factory builds transform actions.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "transform"
}

func (f *Factory) Create(config map[string]any) (protocol.Action, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewAction(config)
}

// Schema returns the JSON schema for the action configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Template expression producing the transformed value. JSON output is decoded into structured data.",
				"examples": []string{
					`{"order_id": "{{.input.order_id}}", "total": {{.input.total}}}`,
					`{{index .nodes "fetch" "body"}}`,
				},
			},
		},
		"required": []string{"expression"},
	}
}
