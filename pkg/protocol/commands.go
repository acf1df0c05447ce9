package protocol

// ExecuteOptions tune a single workflow execution.
type ExecuteOptions struct {
	MaxCost     float64 `json:"max_cost"`
	TimeoutMs   int64   `json:"timeout_ms"`
	EnableDebug bool    `json:"enable_debug"`
}

// ExecuteWorkflow is the payload of execute_workflow.
type ExecuteWorkflow struct {
	WorkflowID string         `json:"workflow_id"`
	Inputs     map[string]any `json:"inputs"`
	SessionID  string         `json:"session_id"`
	Options    ExecuteOptions `json:"options"`
}

// SessionCommand is the payload of pause_execution, resume_execution and
// stop_execution.
type SessionCommand struct {
	SessionID string `json:"session_id"`
}

// NodeDetailsRequest is the payload of get_node_details.
type NodeDetailsRequest struct {
	NodeID    string `json:"node_id"`
	SessionID string `json:"session_id"`
}

// SessionScoped is a command payload addressed to one backend session. The
// sender stamps the id of the live session when the command goes out, so a
// command queued across a reconnect carries the session it is delivered on.
type SessionScoped interface {
	ForSession(id string) any
}

func (c ExecuteWorkflow) ForSession(id string) any {
	c.SessionID = id
	return c
}

func (c SessionCommand) ForSession(id string) any {
	c.SessionID = id
	return c
}

func (r NodeDetailsRequest) ForSession(id string) any {
	r.SessionID = id
	return r
}

// HeartbeatPayload is the payload of heartbeat. Timestamp is in unix
// milliseconds.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// Ack is the backend's answer to a command that asked for one.
type Ack struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Result  RawValue `json:"result,omitempty"`
}

// NodeDetails is the full node snapshot returned by get_node_details.
type NodeDetails struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	State           string         `json:"state"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Predecessors    []string       `json:"predecessors,omitempty"`
	Thoughts        []Thought      `json:"thoughts,omitempty"`
	Cost            float64        `json:"cost"`
	ExecutionTimeMs float64        `json:"executionTimeMs"`
	MaxScore        *float64       `json:"maxScore,omitempty"`
	Error           string         `json:"error,omitempty"`
}
