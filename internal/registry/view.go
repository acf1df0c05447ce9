package registry

import (
	"github.com/gotsync/gotsync/internal/core"
)

// Len returns the number of nodes, placeholders included.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Node returns a copy of the node with id.
func (r *Registry) Node(id string) (core.Node, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return core.Node{}, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes in creation order.
func (r *Registry) Nodes() []core.Node {
	out := make([]core.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].Clone())
	}
	return out
}

// Edges derives the dependency edges from predecessor lists, ordered by the
// dependent node's creation order.
func (r *Registry) Edges() []core.Edge {
	var out []core.Edge
	for _, id := range r.order {
		for _, p := range r.nodes[id].PredecessorIDs {
			out = append(out, core.Edge{From: p, To: id})
		}
	}
	return out
}

// Roots returns the ids of nodes without predecessors.
func (r *Registry) Roots() []string {
	var out []string
	for _, id := range r.order {
		if len(r.nodes[id].PredecessorIDs) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns the number of nodes per state. Placeholders whose own
// start never arrives stay pending; that is a valid steady state.
func (r *Registry) Counts() map[core.NodeState]int {
	out := map[core.NodeState]int{
		core.NodePending:   0,
		core.NodeExecuting: 0,
		core.NodeCompleted: 0,
		core.NodeError:     0,
	}
	for _, n := range r.nodes {
		out[n.State]++
	}
	return out
}
