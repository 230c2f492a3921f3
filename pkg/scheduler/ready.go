package scheduler

import (
	"github.com/gateflow/gateflow/pkg/models"
)

// graphIndex caches per-definition lookups the scheduling loop needs on every
// wave.
type graphIndex struct {
	def      *models.WorkflowDefinition
	nodes    map[string]*models.Node
	incoming map[string][]*models.Connection
	outgoing map[string][]*models.Connection
}

func indexDefinition(def *models.WorkflowDefinition) *graphIndex {
	idx := &graphIndex{
		def:      def,
		nodes:    make(map[string]*models.Node, len(def.Nodes)),
		incoming: make(map[string][]*models.Connection),
		outgoing: make(map[string][]*models.Connection),
	}

	for _, node := range def.Nodes {
		idx.nodes[node.ID] = node
	}

	for _, conn := range def.Connections {
		idx.incoming[conn.Target] = append(idx.incoming[conn.Target], conn)
		idx.outgoing[conn.Source] = append(idx.outgoing[conn.Source], conn)
	}

	return idx
}

// branching reports whether the node selects one outgoing edge on completion.
func branching(node *models.Node) bool {
	return node.Type == models.NodeTypeCondition || node.Type == models.NodeTypeApproval
}

// readySet returns the nodes runnable right now: status pending, and every
// incoming non-loop edge resolved in their favor. An edge is resolved in the
// target's favor when its source completed and, for branching sources,
// selected exactly this edge. Edges tagged allow_loop never gate readiness;
// they re-arm their target explicitly when taken.
func readySet(idx *graphIndex, run *models.WorkflowRun) []*models.Node {
	var ready []*models.Node

	for _, node := range idx.nodes {
		if run.NodeState(node.ID).Status != models.NodeStatusPending {
			continue
		}

		if isReady(idx, run, node) {
			ready = append(ready, node)
		}
	}

	return ready
}

func isReady(idx *graphIndex, run *models.WorkflowRun, node *models.Node) bool {
	incoming := idx.incoming[node.ID]

	// Trigger nodes are the entry frontier.
	if node.Type == models.NodeTypeTrigger {
		return true
	}

	satisfied := false

	for _, conn := range incoming {
		if conn.AllowLoop {
			continue
		}

		source := idx.nodes[conn.Source]
		state := run.NodeState(conn.Source)

		if state.Status != models.NodeStatusCompleted {
			return false
		}

		if branching(source) && state.SelectedBranch != conn.ID {
			// The source resolved a different branch; this edge will
			// never fire and the node stays pending.
			return false
		}

		satisfied = true
	}

	return satisfied
}

// hasBlockedNodes reports whether any node is mid-flight or suspended, which
// keeps the run alive when the ready set is empty.
func hasBlockedNodes(run *models.WorkflowRun) bool {
	for _, state := range run.NodeStates {
		if state.Status == models.NodeStatusRunning || state.Status == models.NodeStatusWaitingApproval {
			return true
		}
	}

	return false
}

// selectOutgoing picks the outgoing edge matching a branch label, falling
// back to the single unlabeled default edge. Returns nil when no edge
// matches: the branch ends quietly.
func selectOutgoing(idx *graphIndex, nodeID, label string) *models.Connection {
	var fallback *models.Connection

	for _, conn := range idx.outgoing[nodeID] {
		if conn.Label == label && label != "" {
			return conn
		}

		if conn.Label == "" {
			fallback = conn
		}
	}

	return fallback
}
