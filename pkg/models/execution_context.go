package models

// ExecutionContext carries the data an executor sees when a node runs: the
// run's trigger input, definition variables and the outputs of already
// completed upstream nodes keyed by node ID.
type ExecutionContext struct {
	RunID        string                    `json:"run_id"`
	DefinitionID string                    `json:"definition_id"`
	Namespace    string                    `json:"namespace"`
	Input        map[string]any            `json:"input,omitempty"`
	Variables    map[string]any            `json:"variables,omitempty"`
	NodeOutputs  map[string]map[string]any `json:"node_outputs,omitempty"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
}

// NewExecutionContext builds the executor view of a run from its stored
// state.
func NewExecutionContext(def *WorkflowDefinition, run *WorkflowRun) ExecutionContext {
	outputs := make(map[string]map[string]any)

	for nodeID, state := range run.NodeStates {
		if state.Status == NodeStatusCompleted && state.Output != nil {
			outputs[nodeID] = state.Output
		}
	}

	variables := make(map[string]any, len(def.Variables)+len(run.Variables))

	for k, v := range def.Variables {
		variables[k] = v
	}

	for k, v := range run.Variables {
		variables[k] = v
	}

	return ExecutionContext{
		RunID:        run.ID,
		DefinitionID: run.DefinitionID,
		Namespace:    run.Namespace,
		Input:        run.Input,
		Variables:    variables,
		NodeOutputs:  outputs,
		Metadata:     make(map[string]any),
	}
}

// Env flattens the context into the environment visible to condition
// predicates.
func (c ExecutionContext) Env() map[string]any {
	return map[string]any{
		"input":     c.Input,
		"variables": c.Variables,
		"nodes":     c.NodeOutputs,
		"run": map[string]any{
			"id":            c.RunID,
			"definition_id": c.DefinitionID,
			"namespace":     c.Namespace,
		},
	}
}
