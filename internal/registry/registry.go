// Package registry holds the authoritative in-memory model of a run's
// operation graph and each node's lifecycle.
package registry

import (
	"fmt"
	"reflect"

	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

// CostSink receives the figures of nodes as they finish.
type CostSink interface {
	RecordCompletion(cost float64, thoughts int)
	RecordFailure(thoughts int)
}

// Outcome describes what applying one event did to the registry.
type Outcome struct {
	// Changed is false when the event was a no-op (e.g. duplicate delivery).
	Changed bool
	// Touched lists every node whose state changed, placeholders included,
	// in the order they were touched.
	Touched []string
	// Placeholders lists nodes created from predecessor references.
	Placeholders []string
	// Problems are non-fatal protocol errors; the event was still applied.
	Problems []error
}

// Registry owns the nodes of one run. It is not safe for concurrent use.
type Registry struct {
	nodes map[string]*core.Node
	order []string
	sink  CostSink
	log   zerolog.Logger
}

// New returns an empty registry. sink may be nil.
func New(sink CostSink, log zerolog.Logger) *Registry {
	return &Registry{
		nodes: make(map[string]*core.Node),
		sink:  sink,
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// Reset drops every node.
func (r *Registry) Reset() {
	r.nodes = make(map[string]*core.Node)
	r.order = nil
}

// EnsureNode returns the node with id, creating a pending placeholder when
// it does not exist yet. created reports whether it was created.
func (r *Registry) EnsureNode(id string) (node *core.Node, created bool) {
	if n, ok := r.nodes[id]; ok {
		return n, false
	}
	n := &core.Node{
		ID:         id,
		State:      core.NodePending,
		Parameters: map[string]any{},
	}
	r.nodes[id] = n
	r.order = append(r.order, id)
	return n, true
}

// BeginOperation applies operation_start. A repeated start with identical
// type, parameters and predecessors is a no-op; a conflicting one is a
// protocol error and leaves the node unchanged. Predecessors that would close
// a cycle are ignored and reported in Outcome.Problems.
func (r *Registry) BeginOperation(id, opType string, params map[string]any, predecessors []string) (Outcome, error) {
	var out Outcome

	if n, ok := r.nodes[id]; ok && n.State != core.NodePending {
		if n.Type == opType && sameParams(n.Parameters, params) && reflect.DeepEqual(n.PredecessorIDs, r.acceptablePreds(id, predecessors, nil)) {
			r.log.Debug().Str("node_id", id).Msg("Duplicate operation_start ignored")
			return out, nil
		}
		err := &core.ProtocolError{
			Event:  protocol.NameOperationStart,
			NodeID: id,
			Reason: fmt.Sprintf("conflicting start for node in state %s", n.State),
		}
		r.log.Warn().Err(err).Msg("Operation start rejected")
		return out, err
	}

	preds := r.acceptablePreds(id, predecessors, &out.Problems)
	for _, p := range out.Problems {
		r.log.Warn().Err(p).Msg("Predecessor ignored")
	}

	for _, p := range preds {
		if _, created := r.EnsureNode(p); created {
			out.Placeholders = append(out.Placeholders, p)
			out.Touched = append(out.Touched, p)
			r.log.Debug().Str("node_id", p).Str("referenced_by", id).Msg("Placeholder node created")
		}
	}

	n, _ := r.EnsureNode(id)
	n.Type = opType
	n.Parameters = copyParams(params)
	n.PredecessorIDs = preds
	n.State = core.NodeExecuting

	out.Changed = true
	out.Touched = append(out.Touched, id)
	r.log.Debug().Str("node_id", id).Str("type", opType).Strs("predecessors", preds).Msg("Operation started")
	return out, nil
}

// CompleteOperation applies operation_complete. The node must be executing;
// an identical re-delivery for an already completed node is a silent no-op,
// anything else against a missing or terminal node is stale.
func (r *Registry) CompleteOperation(id string, thoughts []protocol.Thought, cost, executionTimeMs float64, maxScore *float64) (Outcome, error) {
	var out Outcome

	if cost < 0 || executionTimeMs < 0 {
		err := &core.ProtocolError{Event: protocol.NameOperationComplete, NodeID: id, Reason: "negative cost or execution time"}
		r.log.Warn().Err(err).Msg("Operation completion rejected")
		return out, err
	}

	n, ok := r.nodes[id]
	if !ok {
		return out, r.stale(protocol.NameOperationComplete, id, "unknown node")
	}
	if n.State == core.NodeCompleted && sameCompletion(n, thoughts, cost, executionTimeMs, maxScore) {
		r.log.Debug().Str("node_id", id).Msg("Duplicate operation_complete ignored")
		return out, nil
	}
	if !n.State.CanTransition(core.NodeCompleted) {
		return out, r.stale(protocol.NameOperationComplete, id, fmt.Sprintf("node is %s", n.State))
	}

	n.Thoughts = append([]protocol.Thought(nil), thoughts...)
	n.Cost = cost
	n.ExecutionTimeMs = executionTimeMs
	n.MaxScore = copyScore(maxScore)
	n.State = core.NodeCompleted

	if r.sink != nil {
		r.sink.RecordCompletion(cost, len(thoughts))
	}

	out.Changed = true
	out.Touched = []string{id}
	r.log.Debug().Str("node_id", id).Float64("cost", cost).Int("thoughts", len(thoughts)).Msg("Operation completed")
	return out, nil
}

// FailOperation applies operation_error. Failure is recorded on the node
// only; dependents are left to their own events.
func (r *Registry) FailOperation(id, message string) (Outcome, error) {
	var out Outcome

	n, ok := r.nodes[id]
	if !ok {
		return out, r.stale(protocol.NameOperationError, id, "unknown node")
	}
	if n.State == core.NodeError && n.ErrorMessage == message {
		return out, nil
	}
	if !n.State.CanTransition(core.NodeError) {
		return out, r.stale(protocol.NameOperationError, id, fmt.Sprintf("node is %s", n.State))
	}

	n.State = core.NodeError
	n.ErrorMessage = message

	if r.sink != nil {
		r.sink.RecordFailure(len(n.Thoughts))
	}

	out.Changed = true
	out.Touched = []string{id}
	r.log.Debug().Str("node_id", id).Str("error", message).Msg("Operation failed")
	return out, nil
}

// acceptablePreds filters predecessors for node id: empty, duplicate and
// cycle-closing entries are dropped. When problems is non-nil each dropped
// cycle entry is reported there.
func (r *Registry) acceptablePreds(id string, predecessors []string, problems *[]error) []string {
	preds := make([]string, 0, len(predecessors))
	seen := make(map[string]bool, len(predecessors))
	for _, p := range predecessors {
		if p == "" || seen[p] {
			continue
		}
		if p == id || r.reaches(p, id) {
			if problems != nil {
				*problems = append(*problems, &core.ProtocolError{
					Event:  protocol.NameOperationStart,
					NodeID: id,
					Reason: fmt.Sprintf("predecessor %s would form a cycle", p),
				})
			}
			continue
		}
		seen[p] = true
		preds = append(preds, p)
	}
	return preds
}

// reaches reports whether target is from or one of from's ancestors.
func (r *Registry) reaches(from, target string) bool {
	visited := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if n, ok := r.nodes[id]; ok {
			stack = append(stack, n.PredecessorIDs...)
		}
	}
	return false
}

func (r *Registry) stale(event protocol.Name, id, reason string) error {
	err := &core.ProtocolError{Event: event, NodeID: id, Reason: reason, Err: core.ErrStaleEvent}
	r.log.Warn().Err(err).Msg("Stale operation event dropped")
	return err
}

func sameParams(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func sameCompletion(n *core.Node, thoughts []protocol.Thought, cost, executionTimeMs float64, maxScore *float64) bool {
	if n.Cost != cost || n.ExecutionTimeMs != executionTimeMs {
		return false
	}
	if (n.MaxScore == nil) != (maxScore == nil) || (maxScore != nil && *n.MaxScore != *maxScore) {
		return false
	}
	if len(n.Thoughts) == 0 && len(thoughts) == 0 {
		return true
	}
	return reflect.DeepEqual(n.Thoughts, thoughts)
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func copyScore(score *float64) *float64 {
	if score == nil {
		return nil
	}
	v := *score
	return &v
}
