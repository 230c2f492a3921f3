// Package graph validates workflow definitions for structural correctness
// before they are accepted for execution.
package graph

import (
	"fmt"

	"github.com/gateflow/gateflow/pkg/models"
	"github.com/gateflow/gateflow/pkg/predicate"
)

// Violation codes reported by Validate.
const (
	CodeDuplicateNode      = "duplicate_node"
	CodeDuplicateConnection = "duplicate_connection"
	CodeUnknownNode        = "unknown_node"
	CodeMissingTrigger     = "missing_trigger"
	CodeTriggerHasIncoming = "trigger_has_incoming"
	CodeNoIncoming         = "no_incoming"
	CodeNoOutgoing         = "no_outgoing"
	CodeUnreachable        = "unreachable"
	CodeDuplicateLabel     = "duplicate_label"
	CodeMultipleDefaults   = "multiple_defaults"
	CodeMissingConfig      = "missing_config"
	CodeBadRule            = "bad_rule"
	CodeBadPredicate       = "bad_predicate"
	CodeCycle              = "cycle"
)

// Violation is one structural problem found in a definition.
type Violation struct {
	Code         string `json:"code"`
	NodeID       string `json:"node_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Message      string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// ValidationResult collects every violation found; an empty list means the
// definition is valid. Validation is pure: it never mutates the definition.
type ValidationResult struct {
	Violations []Violation `json:"violations"`
}

// Valid reports whether no violations were found.
func (r *ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

func (r *ValidationResult) add(code, nodeID, connectionID, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{
		Code:         code,
		NodeID:       nodeID,
		ConnectionID: connectionID,
		Message:      fmt.Sprintf(format, args...),
	})
}

// Validate checks a workflow definition for structural correctness:
// referential integrity of nodes and connections, incoming/outgoing edge
// rules per node type, the distinct-label/single-default invariant on
// condition and approval nodes, per-type config presence, and acyclicity
// except for cycles whose every edge is tagged allow_loop.
func Validate(def *models.WorkflowDefinition) *ValidationResult {
	result := &ValidationResult{}

	nodes := make(map[string]*models.Node, len(def.Nodes))

	for _, node := range def.Nodes {
		if _, exists := nodes[node.ID]; exists {
			result.add(CodeDuplicateNode, node.ID, "", "duplicate node id %q", node.ID)

			continue
		}

		nodes[node.ID] = node
	}

	connections := make(map[string]*models.Connection, len(def.Connections))
	incoming := make(map[string][]*models.Connection)
	outgoing := make(map[string][]*models.Connection)

	for _, conn := range def.Connections {
		if _, exists := connections[conn.ID]; exists {
			result.add(CodeDuplicateConnection, "", conn.ID, "duplicate connection id %q", conn.ID)

			continue
		}

		connections[conn.ID] = conn

		if _, ok := nodes[conn.Source]; !ok {
			result.add(CodeUnknownNode, conn.Source, conn.ID, "connection %q references unknown source node %q", conn.ID, conn.Source)

			continue
		}

		if _, ok := nodes[conn.Target]; !ok {
			result.add(CodeUnknownNode, conn.Target, conn.ID, "connection %q references unknown target node %q", conn.ID, conn.Target)

			continue
		}

		outgoing[conn.Source] = append(outgoing[conn.Source], conn)
		incoming[conn.Target] = append(incoming[conn.Target], conn)
	}

	validateEdgeRules(result, nodes, incoming, outgoing)
	validateNodeConfigs(result, nodes, outgoing)
	validateReachability(result, nodes, outgoing)
	validateAcyclicity(result, nodes, outgoing)

	return result
}

// validateEdgeRules enforces the per-type incoming/outgoing edge requirements
// and the branch-label invariant on condition and approval nodes.
func validateEdgeRules(
	result *ValidationResult,
	nodes map[string]*models.Node,
	incoming map[string][]*models.Connection,
	outgoing map[string][]*models.Connection,
) {
	triggers := 0

	for id, node := range nodes {
		switch node.Type {
		case models.NodeTypeTrigger:
			triggers++

			if len(incoming[id]) > 0 {
				result.add(CodeTriggerHasIncoming, id, "", "trigger node %q must not have incoming connections", id)
			}

			if len(outgoing[id]) == 0 {
				result.add(CodeNoOutgoing, id, "", "trigger node %q has no outgoing connection", id)
			}
		case models.NodeTypeCondition, models.NodeTypeApproval:
			if len(incoming[id]) == 0 {
				result.add(CodeNoIncoming, id, "", "node %q has no incoming connection", id)
			}

			if len(outgoing[id]) == 0 {
				result.add(CodeNoOutgoing, id, "", "%s node %q has no outgoing connection", node.Type, id)
			}

			validateBranchLabels(result, id, outgoing[id])
		case models.NodeTypeAction, models.NodeTypeIntegration, models.NodeTypeAgent:
			// These may be terminal nodes of the graph.
			if len(incoming[id]) == 0 {
				result.add(CodeNoIncoming, id, "", "node %q has no incoming connection", id)
			}
		}
	}

	if triggers == 0 {
		result.add(CodeMissingTrigger, "", "", "definition has no trigger node")
	}
}

// validateBranchLabels checks that every labeled outgoing edge of a branching
// node carries a distinct label and that at most one default (unlabeled) edge
// exists.
func validateBranchLabels(result *ValidationResult, nodeID string, edges []*models.Connection) {
	seen := make(map[string]string, len(edges))
	defaults := 0

	for _, conn := range edges {
		if conn.Label == "" {
			defaults++

			continue
		}

		if prev, dup := seen[conn.Label]; dup {
			result.add(CodeDuplicateLabel, nodeID, conn.ID,
				"node %q has duplicate branch label %q on connections %q and %q", nodeID, conn.Label, prev, conn.ID)

			continue
		}

		seen[conn.Label] = conn.ID
	}

	if defaults > 1 {
		result.add(CodeMultipleDefaults, nodeID, "", "node %q has %d default (unlabeled) outgoing connections, at most one is allowed", nodeID, defaults)
	}
}

// validateNodeConfigs checks that each node carries the config variant its
// type requires and that condition rules reference real outgoing edges.
func validateNodeConfigs(
	result *ValidationResult,
	nodes map[string]*models.Node,
	outgoing map[string][]*models.Connection,
) {
	for id, node := range nodes {
		switch node.Type {
		case models.NodeTypeAction, models.NodeTypeIntegration:
			if node.Action == nil || node.Action.ExecutorType == "" {
				result.add(CodeMissingConfig, id, "", "%s node %q is missing its executor configuration", node.Type, id)
			}
		case models.NodeTypeApproval:
			if node.Approval == nil {
				result.add(CodeMissingConfig, id, "", "approval node %q is missing its approval configuration", id)
			} else if node.Approval.Timeout <= 0 {
				result.add(CodeMissingConfig, id, "", "approval node %q must configure a positive timeout", id)
			}
		case models.NodeTypeAgent:
			if node.Agent == nil || node.Agent.AgentType == "" {
				result.add(CodeMissingConfig, id, "", "agent node %q is missing its agent configuration", id)
			}
		case models.NodeTypeCondition:
			validateConditionConfig(result, node, outgoing[id])
		}
	}
}

func validateConditionConfig(
	result *ValidationResult,
	node *models.Node,
	edges []*models.Connection,
) {
	if node.Condition == nil || len(node.Condition.Rules) == 0 {
		result.add(CodeMissingConfig, node.ID, "", "condition node %q has no rules", node.ID)

		return
	}

	ownEdges := make(map[string]*models.Connection, len(edges))
	for _, conn := range edges {
		ownEdges[conn.ID] = conn
	}

	for i, rule := range node.Condition.Rules {
		if err := predicate.Compile(rule.When); err != nil {
			result.add(CodeBadPredicate, node.ID, rule.ConnectionID, "condition node %q rule %d: %v", node.ID, i, err)
		}

		conn, ok := ownEdges[rule.ConnectionID]
		if !ok {
			result.add(CodeBadRule, node.ID, rule.ConnectionID,
				"condition node %q rule %d references connection %q which does not leave the node", node.ID, i, rule.ConnectionID)

			continue
		}

		if conn.Label == "" {
			result.add(CodeBadRule, node.ID, rule.ConnectionID,
				"condition node %q rule %d selects the default connection %q; rules must select labeled connections", node.ID, i, rule.ConnectionID)
		}
	}

	if node.Condition.DefaultConnectionID != "" {
		conn, ok := ownEdges[node.Condition.DefaultConnectionID]
		if !ok {
			result.add(CodeBadRule, node.ID, node.Condition.DefaultConnectionID,
				"condition node %q default connection %q does not leave the node", node.ID, node.Condition.DefaultConnectionID)
		} else if conn.Label != "" {
			result.add(CodeBadRule, node.ID, conn.ID,
				"condition node %q default connection %q must be unlabeled", node.ID, conn.ID)
		}
	}
}

// validateReachability checks that every node can be reached from a trigger.
func validateReachability(
	result *ValidationResult,
	nodes map[string]*models.Node,
	outgoing map[string][]*models.Connection,
) {
	visited := make(map[string]bool, len(nodes))

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			return
		}

		visited[id] = true

		for _, conn := range outgoing[id] {
			walk(conn.Target)
		}
	}

	for id, node := range nodes {
		if node.Type == models.NodeTypeTrigger {
			walk(id)
		}
	}

	for id := range nodes {
		if !visited[id] {
			result.add(CodeUnreachable, id, "", "node %q is not reachable from any trigger", id)
		}
	}
}

// validateAcyclicity rejects cycles unless every edge on the cycle is tagged
// allow_loop. Loop edges are excluded from the traversal, so any remaining
// back edge closes an untagged cycle.
func validateAcyclicity(
	result *ValidationResult,
	nodes map[string]*models.Node,
	outgoing map[string][]*models.Connection,
) {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(nodes))

	var visit func(id string) *models.Connection
	visit = func(id string) *models.Connection {
		color[id] = gray

		for _, conn := range outgoing[id] {
			if conn.AllowLoop {
				continue
			}

			switch color[conn.Target] {
			case gray:
				return conn
			case white:
				if back := visit(conn.Target); back != nil {
					return back
				}
			}
		}

		color[id] = black

		return nil
	}

	for id := range nodes {
		if color[id] != white {
			continue
		}

		if back := visit(id); back != nil {
			result.add(CodeCycle, back.Source, back.ID,
				"connection %q (%s -> %s) closes a cycle without allow_loop", back.ID, back.Source, back.Target)
		}
	}
}
