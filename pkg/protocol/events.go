// Package protocol defines the duplex event protocol spoken between an
// execution backend and its observers: the closed set of event names, their
// payloads and the JSON frame that carries them.
package protocol

import (
	"fmt"
)

// Name identifies an event on the wire.
type Name string

// Outbound (observer -> backend) event names.
const (
	NameExecuteWorkflow Name = "execute_workflow"
	NamePauseExecution  Name = "pause_execution"
	NameResumeExecution Name = "resume_execution"
	NameStopExecution   Name = "stop_execution"
	NameGetNodeDetails  Name = "get_node_details"
	NameHeartbeat       Name = "heartbeat"
)

// Inbound (backend -> observer) event names.
const (
	NameConnected          Name = "connected"
	NameExecutionStarted   Name = "execution_started"
	NameExecutionCompleted Name = "execution_completed"
	NameExecutionError     Name = "execution_error"
	NameExecutionPaused    Name = "execution_paused"
	NameExecutionResumed   Name = "execution_resumed"
	NameOperationStart     Name = "operation_start"
	NameOperationComplete  Name = "operation_complete"
	NameOperationError     Name = "operation_error"
	NameCostUpdate         Name = "cost_update"
	NamePerformanceMetrics Name = "performance_metrics"
	NameDebugInfo          Name = "debug_info"
	NameLogMessage         Name = "log_message"
	NameThoughtsGenerated  Name = "thoughts_generated"
	NameThoughtsScored     Name = "thoughts_scored"

	// NameAck carries the acknowledgement of an outbound command.
	NameAck Name = "ack"
)

// Event is an inbound event. The set of implementations is closed: every
// inbound name maps to exactly one type in this package, and anything else
// decodes to an Unknown value.
type Event interface {
	EventName() Name
	validate() error
}

// Thought is one candidate output produced by an operation.
type Thought struct {
	Text     string         `json:"text"`
	Score    *float64       `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (t Thought) validate() error {
	if t.Score != nil && (*t.Score < 0 || *t.Score > 1) {
		return fmt.Errorf("thought score %v outside [0,1]", *t.Score)
	}
	return nil
}

// Connected is sent by the backend once the duplex channel is established.
type Connected struct {
	SessionID string `json:"session_id"`
}

// ExecutionStarted confirms that the backend started running the workflow.
type ExecutionStarted struct {
	WorkflowID      string `json:"workflow_id,omitempty"`
	TotalOperations int    `json:"total_operations,omitempty"`
}

// ExecutionCompleted ends a run successfully.
type ExecutionCompleted struct {
	OperationsCount int     `json:"operationsCount"`
	ThoughtsCount   int     `json:"thoughtsCount"`
	TotalCost       float64 `json:"totalCost"`
	ExecutionTimeMs float64 `json:"executionTimeMs"`
}

// ExecutionFailed is the run-level fatal signal (execution_error).
type ExecutionFailed struct {
	Error string `json:"error"`
}

// ExecutionPaused confirms a pause.
type ExecutionPaused struct{}

// ExecutionResumed confirms a resume.
type ExecutionResumed struct{}

// OperationStarted announces an operation node and its predecessors.
type OperationStarted struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Parameters   map[string]any `json:"parameters"`
	Predecessors []string       `json:"predecessors"`
}

// OperationCompleted carries the thoughts and figures produced by a node.
type OperationCompleted struct {
	ID              string    `json:"id"`
	Thoughts        []Thought `json:"thoughts"`
	Cost            float64   `json:"cost"`
	ExecutionTimeMs float64   `json:"executionTimeMs"`
	MaxScore        *float64  `json:"maxScore,omitempty"`
}

// OperationFailed reports that a single node failed.
type OperationFailed struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// CostUpdated is the backend's own view of the running cost.
type CostUpdated struct {
	Current float64 `json:"current"`
	Total   float64 `json:"total"`
}

// PerformanceMetrics are display-only figures reported by the backend.
type PerformanceMetrics struct {
	ExecutionTimeMs float64 `json:"executionTimeMs"`
	OperationsCount int     `json:"operationsCount"`
	ThoughtsCount   int     `json:"thoughtsCount"`
	AvgScore        float64 `json:"avgScore"`
}

// DebugInfo is free-form diagnostic output, only sent when debug is enabled.
type DebugInfo struct {
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// LogMessage is a backend log line forwarded to observers.
type LogMessage struct {
	Level       string  `json:"level"`
	Message     string  `json:"message"`
	Timestamp   float64 `json:"timestamp"`
	OperationID string  `json:"operation_id,omitempty"`
}

// ThoughtsGenerated reports intermediate thoughts before scoring.
type ThoughtsGenerated struct {
	OperationID string    `json:"operation_id"`
	Thoughts    []Thought `json:"thoughts"`
	Count       int       `json:"count"`
}

// ThoughtsScored reports scores assigned to an operation's thoughts.
type ThoughtsScored struct {
	OperationID string    `json:"operation_id"`
	Scores      []float64 `json:"scores"`
	MaxScore    float64   `json:"max_score"`
	MinScore    float64   `json:"min_score"`
	AvgScore    float64   `json:"avg_score"`
}

// Unknown is produced for event names outside the protocol. Consumers log
// and drop it.
type Unknown struct {
	Name Name
	Data []byte
}

func (Connected) EventName() Name          { return NameConnected }
func (ExecutionStarted) EventName() Name   { return NameExecutionStarted }
func (ExecutionCompleted) EventName() Name { return NameExecutionCompleted }
func (ExecutionFailed) EventName() Name    { return NameExecutionError }
func (ExecutionPaused) EventName() Name    { return NameExecutionPaused }
func (ExecutionResumed) EventName() Name   { return NameExecutionResumed }
func (OperationStarted) EventName() Name   { return NameOperationStart }
func (OperationCompleted) EventName() Name { return NameOperationComplete }
func (OperationFailed) EventName() Name    { return NameOperationError }
func (CostUpdated) EventName() Name        { return NameCostUpdate }
func (PerformanceMetrics) EventName() Name { return NamePerformanceMetrics }
func (DebugInfo) EventName() Name          { return NameDebugInfo }
func (LogMessage) EventName() Name         { return NameLogMessage }
func (ThoughtsGenerated) EventName() Name  { return NameThoughtsGenerated }
func (ThoughtsScored) EventName() Name     { return NameThoughtsScored }
func (u Unknown) EventName() Name          { return u.Name }

func (e Connected) validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("missing session_id")
	}
	return nil
}

func (ExecutionStarted) validate() error { return nil }

func (e ExecutionCompleted) validate() error {
	if e.TotalCost < 0 || e.ExecutionTimeMs < 0 {
		return fmt.Errorf("negative totals")
	}
	return nil
}

func (e ExecutionFailed) validate() error {
	if e.Error == "" {
		return fmt.Errorf("missing error")
	}
	return nil
}

func (ExecutionPaused) validate() error  { return nil }
func (ExecutionResumed) validate() error { return nil }

func (e OperationStarted) validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.Type == "" {
		return fmt.Errorf("missing type")
	}
	for _, p := range e.Predecessors {
		if p == "" {
			return fmt.Errorf("empty predecessor id")
		}
	}
	return nil
}

func (e OperationCompleted) validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.Cost < 0 {
		return fmt.Errorf("negative cost %v", e.Cost)
	}
	if e.ExecutionTimeMs < 0 {
		return fmt.Errorf("negative executionTimeMs %v", e.ExecutionTimeMs)
	}
	if e.MaxScore != nil && (*e.MaxScore < 0 || *e.MaxScore > 1) {
		return fmt.Errorf("maxScore %v outside [0,1]", *e.MaxScore)
	}
	for i, t := range e.Thoughts {
		if err := t.validate(); err != nil {
			return fmt.Errorf("thought %d: %w", i, err)
		}
	}
	return nil
}

func (e OperationFailed) validate() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	return nil
}

func (e CostUpdated) validate() error {
	if e.Current < 0 || e.Total < 0 {
		return fmt.Errorf("negative cost")
	}
	return nil
}

func (PerformanceMetrics) validate() error { return nil }
func (DebugInfo) validate() error          { return nil }
func (LogMessage) validate() error         { return nil }
func (ThoughtsGenerated) validate() error  { return nil }
func (ThoughtsScored) validate() error     { return nil }
func (Unknown) validate() error            { return nil }
