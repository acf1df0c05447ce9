package core

import (
	"github.com/gotsync/gotsync/pkg/protocol"
)

// NodeState is the lifecycle state of one operation node
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeExecuting NodeState = "executing"
	NodeCompleted NodeState = "completed"
	NodeError     NodeState = "error"
)

var nodeTransitions = map[NodeState][]NodeState{
	NodePending:   {NodeExecuting},
	NodeExecuting: {NodeCompleted, NodeError},
}

// Terminal reports whether no further transition is allowed
func (s NodeState) Terminal() bool {
	return s == NodeCompleted || s == NodeError
}

// CanTransition reports whether s -> to is a legal node transition
func (s NodeState) CanTransition(to NodeState) bool {
	return contains(nodeTransitions[s], to)
}

// RunState is the lifecycle state of an execution run
type RunState string

const (
	RunIdle      RunState = "idle"
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunCompleted RunState = "completed"
	RunStopped   RunState = "stopped"
	RunError     RunState = "error"
)

// starting -> idle is only taken when a queued execute expires before it
// reaches the backend.
var runTransitions = map[RunState][]RunState{
	RunIdle:     {RunStarting},
	RunStarting: {RunRunning, RunError, RunStopped, RunIdle},
	RunRunning:  {RunPaused, RunCompleted, RunError, RunStopped},
	RunPaused:   {RunRunning, RunCompleted, RunError, RunStopped},
}

// Terminal reports whether the run has ended
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunStopped || s == RunError
}

// Active reports whether operation events belong to the run
func (s RunState) Active() bool {
	return s == RunStarting || s == RunRunning || s == RunPaused
}

// CanTransition reports whether s -> to is a legal run transition
func (s RunState) CanTransition(to RunState) bool {
	return contains(runTransitions[s], to)
}

// ConnState is the state of the transport connection
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnError        ConnState = "error"
	ConnFailed       ConnState = "failed"
)

var connTransitions = map[ConnState][]ConnState{
	ConnDisconnected: {ConnConnecting, ConnFailed},
	ConnConnecting:   {ConnConnected, ConnError, ConnDisconnected},
	ConnConnected:    {ConnDisconnected},
	ConnError:        {ConnConnecting, ConnFailed, ConnDisconnected},
}

// CanTransition reports whether s -> to is a legal connection transition
func (s ConnState) CanTransition(to ConnState) bool {
	return contains(connTransitions[s], to)
}

// Node is one operation instance of the run's graph
type Node struct {
	ID              string             `json:"id"`
	Type            string             `json:"type"`
	Parameters      map[string]any     `json:"parameters"`
	PredecessorIDs  []string           `json:"predecessor_ids"`
	State           NodeState          `json:"state"`
	Thoughts        []protocol.Thought `json:"thoughts"`
	Cost            float64            `json:"cost"`
	ExecutionTimeMs float64            `json:"execution_time_ms"`
	MaxScore        *float64           `json:"max_score,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
}

// Clone returns a copy that shares no mutable state with n
func (n *Node) Clone() Node {
	out := *n
	if n.Parameters != nil {
		out.Parameters = make(map[string]any, len(n.Parameters))
		for k, v := range n.Parameters {
			out.Parameters[k] = v
		}
	}
	out.PredecessorIDs = append([]string(nil), n.PredecessorIDs...)
	out.Thoughts = append([]protocol.Thought(nil), n.Thoughts...)
	if n.MaxScore != nil {
		score := *n.MaxScore
		out.MaxScore = &score
	}
	return out
}

// Details converts the node to its wire snapshot
func (n *Node) Details() protocol.NodeDetails {
	c := n.Clone()
	return protocol.NodeDetails{
		ID:              c.ID,
		Type:            c.Type,
		State:           string(c.State),
		Parameters:      c.Parameters,
		Predecessors:    c.PredecessorIDs,
		Thoughts:        c.Thoughts,
		Cost:            c.Cost,
		ExecutionTimeMs: c.ExecutionTimeMs,
		MaxScore:        c.MaxScore,
		Error:           c.ErrorMessage,
	}
}

// Edge is a dependency From -> To implied by To's predecessor list
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Severity is an advisory budget tier. It affects presentation only.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityNotice   Severity = "notice"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Display holds backend-reported performance figures
type Display struct {
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	OperationsCount int     `json:"operations_count"`
	ThoughtsCount   int     `json:"thoughts_count"`
	AvgScore        float64 `json:"avg_score"`
}

// Totals are the running cost and metrics figures of a run
type Totals struct {
	TotalCost           float64  `json:"total_cost"`
	ThoughtsCount       int      `json:"thoughts_count"`
	CompletedOperations int      `json:"completed_operations"`
	FailedOperations    int      `json:"failed_operations"`
	ReportedCost        float64  `json:"reported_cost"`
	MaxCost             float64  `json:"max_cost"`
	BudgetFraction      float64  `json:"budget_fraction"`
	Severity            Severity `json:"severity"`
	CostPerThought      float64  `json:"cost_per_thought"`
	Display             Display  `json:"display"`
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
