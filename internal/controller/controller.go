// Package controller drives the lifecycle of one execution run: it issues
// run commands and applies the backend's inbound events to the run, the
// node registry and the cost aggregator.
package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/loop"
	"github.com/gotsync/gotsync/internal/metrics"
	"github.com/gotsync/gotsync/internal/registry"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Sender delivers outbound commands, typically a *connection.Manager.
type Sender interface {
	Send(name protocol.Name, payload any, reply core.ReplyFunc) error
}

// Run is a snapshot of the execution run.
type Run struct {
	SessionID       string        `json:"session_id"`
	WorkflowID      string        `json:"workflow_id"`
	State           core.RunState `json:"state"`
	StartedAt       time.Time     `json:"started_at"`
	TotalCost       float64       `json:"total_cost"`
	OperationsCount int           `json:"operations_count"`
	ThoughtsCount   int           `json:"thoughts_count"`
	// ExecutionTimeMs excludes time spent paused.
	ExecutionTimeMs float64 `json:"execution_time_ms"`
	Error           string  `json:"error,omitempty"`
}

// Snapshot is a consistent copy of everything an observer may render.
type Snapshot struct {
	Run    Run                    `json:"run"`
	Nodes  []core.Node            `json:"nodes"`
	Edges  []core.Edge            `json:"edges"`
	Counts map[core.NodeState]int `json:"counts"`
	Totals core.Totals            `json:"totals"`
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Sender   Sender
	Clock    loop.Clock
	Listener core.Listener
	Logger   zerolog.Logger
	// MaxCost is the default budget; execute options may override it.
	MaxCost float64
}

// Controller owns one run. It must only be used from the loop goroutine.
type Controller struct {
	sender   Sender
	clock    loop.Clock
	listener core.Listener
	log      zerolog.Logger

	registry *registry.Registry
	metrics  *metrics.Aggregator
	maxCost  float64

	run       Run
	confirmed core.RunState
	severity  core.Severity

	pausedAt    time.Time
	pausedTotal time.Duration
	endedAt     time.Time
}

// New returns a controller with an idle run.
func New(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = loop.RealClock()
	}
	if deps.Listener == nil {
		deps.Listener = core.ListenerFunc(func(core.Notification) {})
	}
	log := deps.Logger.With().Str("component", "controller").Logger()
	agg := metrics.NewAggregator(deps.MaxCost)
	return &Controller{
		sender:    deps.Sender,
		clock:     deps.Clock,
		listener:  deps.Listener,
		log:       log,
		registry:  registry.New(agg, deps.Logger),
		metrics:   agg,
		maxCost:   deps.MaxCost,
		run:       Run{State: core.RunIdle},
		confirmed: core.RunIdle,
		severity:  core.SeverityNone,
	}
}

// State returns the run state.
func (c *Controller) State() core.RunState {
	return c.run.State
}

// SetSessionID updates the session used by subsequent commands.
func (c *Controller) SetSessionID(id string) {
	c.run.SessionID = id
}

// Run returns the current run figures.
func (c *Controller) Run() Run {
	r := c.run
	r.TotalCost = c.metrics.TotalCost()
	r.ThoughtsCount = c.metrics.ThoughtsCount()
	totals := c.metrics.Totals()
	r.OperationsCount = totals.CompletedOperations + totals.FailedOperations
	r.ExecutionTimeMs = c.elapsed()
	return r
}

// Snapshot returns copies of the run, its nodes and its totals.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		Run:    c.Run(),
		Nodes:  c.registry.Nodes(),
		Edges:  c.registry.Edges(),
		Counts: c.registry.Counts(),
		Totals: c.metrics.Totals(),
	}
}

// Node returns a copy of one node.
func (c *Controller) Node(id string) (core.Node, bool) {
	return c.registry.Node(id)
}

// IssueExecute starts a fresh run. The registry and totals are cleared and
// the run moves to starting before the command goes out, connected or not.
func (c *Controller) IssueExecute(cmd protocol.ExecuteWorkflow) (*loop.Future[protocol.Ack], error) {
	if err := c.check(protocol.NameExecuteWorkflow, core.RunStarting); err != nil {
		return nil, err
	}

	c.registry.Reset()
	if cmd.Options.MaxCost > 0 {
		c.metrics.SetMaxCost(cmd.Options.MaxCost)
	} else {
		c.metrics.SetMaxCost(c.maxCost)
	}
	c.metrics.Reset()
	c.severity = core.SeverityNone
	c.pausedTotal = 0
	c.pausedAt = time.Time{}
	c.endedAt = time.Time{}

	if cmd.SessionID == "" {
		cmd.SessionID = c.run.SessionID
	}
	c.run = Run{SessionID: cmd.SessionID, WorkflowID: cmd.WorkflowID, State: core.RunIdle}
	c.transition(core.RunStarting, "execute requested")
	c.run.StartedAt = c.clock.Now()

	f := loop.NewFuture[protocol.Ack]()
	err := c.sender.Send(protocol.NameExecuteWorkflow, cmd, func(ack protocol.Ack, err error) {
		c.executeReplied(err)
		f.Resolve(ack, err)
	})
	if err = c.sent(protocol.NameExecuteWorkflow, err); err != nil {
		c.rollback(err.Error())
		return nil, err
	}
	return f, nil
}

// IssuePause asks the backend to pause; the state follows execution_paused.
func (c *Controller) IssuePause() (*loop.Future[protocol.Ack], error) {
	if err := c.check(protocol.NamePauseExecution, core.RunPaused); err != nil {
		return nil, err
	}
	return c.command(protocol.NamePauseExecution, nil)
}

// IssueResume asks the backend to resume; the state follows
// execution_resumed.
func (c *Controller) IssueResume() (*loop.Future[protocol.Ack], error) {
	if c.run.State.Terminal() {
		return nil, c.refuse(protocol.NameResumeExecution, core.ErrTerminal)
	}
	if c.run.State != core.RunPaused {
		return nil, c.refuse(protocol.NameResumeExecution, &core.TransitionError{Entity: "run", From: string(c.run.State), To: string(core.RunRunning)})
	}
	return c.command(protocol.NameResumeExecution, nil)
}

// IssueStop asks the backend to stop. The run moves to stopped once the
// backend acknowledges.
func (c *Controller) IssueStop() (*loop.Future[protocol.Ack], error) {
	if err := c.check(protocol.NameStopExecution, core.RunStopped); err != nil {
		return nil, err
	}
	return c.command(protocol.NameStopExecution, func(ack protocol.Ack, err error) {
		if err == nil && !c.run.State.Terminal() && c.transition(core.RunStopped, "stop acknowledged") {
			c.finish()
		}
	})
}

// RequestNodeDetails asks the backend for the full snapshot of one node.
func (c *Controller) RequestNodeDetails(nodeID string) (*loop.Future[protocol.NodeDetails], error) {
	f := loop.NewFuture[protocol.NodeDetails]()
	req := protocol.NodeDetailsRequest{NodeID: nodeID, SessionID: c.run.SessionID}
	err := c.sender.Send(protocol.NameGetNodeDetails, req, func(ack protocol.Ack, err error) {
		if err != nil {
			f.Resolve(protocol.NodeDetails{}, err)
			return
		}
		f.Resolve(protocol.DecodeResult[protocol.NodeDetails](ack))
	})
	if err = c.sent(protocol.NameGetNodeDetails, err); err != nil {
		return nil, err
	}
	return f, nil
}

// check validates that a command moving the run to target may be issued.
func (c *Controller) check(name protocol.Name, target core.RunState) error {
	if c.run.State.Terminal() {
		return c.refuse(name, core.ErrTerminal)
	}
	if !c.run.State.CanTransition(target) {
		return c.refuse(name, &core.TransitionError{Entity: "run", From: string(c.run.State), To: string(target)})
	}
	return nil
}

func (c *Controller) refuse(name protocol.Name, err error) error {
	c.log.Warn().Err(err).Str("command", string(name)).Msg("Command refused")
	return fmt.Errorf("%s: %w", name, err)
}

func (c *Controller) command(name protocol.Name, onReply core.ReplyFunc) (*loop.Future[protocol.Ack], error) {
	f := loop.NewFuture[protocol.Ack]()
	err := c.sender.Send(name, protocol.SessionCommand{SessionID: c.run.SessionID}, func(ack protocol.Ack, err error) {
		c.replied(name, err)
		if onReply != nil {
			onReply(ack, err)
		}
		f.Resolve(ack, err)
	})
	if err = c.sent(name, err); err != nil {
		return nil, err
	}
	return f, nil
}

// sent turns a queued send into a warning and passes real failures on.
func (c *Controller) sent(name protocol.Name, err error) error {
	if errors.Is(err, core.ErrNotConnected) {
		c.listener.OnNotification(core.CommandQueued{Command: name})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (c *Controller) replied(name protocol.Name, err error) {
	if err == nil || errors.Is(err, core.ErrCommandExpired) {
		return
	}
	c.log.Warn().Err(err).Str("command", string(name)).Msg("Command failed")
	c.listener.OnNotification(core.CommandFailed{Command: name, Err: err})
}

func (c *Controller) executeReplied(err error) {
	c.replied(protocol.NameExecuteWorkflow, err)
	if err == nil || c.run.State != core.RunStarting {
		return
	}

	var cerr *core.CommandError
	switch {
	case errors.As(err, &cerr):
		c.run.Error = cerr.Message
		if c.transition(core.RunError, "execute rejected") {
			c.finish()
		}
	case errors.Is(err, core.ErrCommandExpired), errors.Is(err, core.ErrConnectionFailed), errors.Is(err, core.ErrClosed):
		c.rollback(err.Error())
	}
}

// rollback returns an optimistic starting run to the last confirmed state.
func (c *Controller) rollback(reason string) {
	if c.run.State != core.RunStarting {
		return
	}
	c.transition(c.confirmed, reason)
	c.run.StartedAt = time.Time{}
}

func (c *Controller) transition(to core.RunState, reason string) bool {
	from := c.run.State
	if !from.CanTransition(to) {
		err := &core.TransitionError{Entity: "run", From: string(from), To: string(to)}
		c.log.Warn().Err(err).Str("reason", reason).Msg("Run transition rejected")
		c.listener.OnNotification(core.Problem{Err: err})
		return false
	}
	c.run.State = to
	c.log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("Run state changed")
	c.listener.OnNotification(core.RunStateChanged{From: from, To: to, Reason: reason})
	return true
}

func (c *Controller) elapsed() float64 {
	if c.run.StartedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = c.clock.Now()
	}
	paused := c.pausedTotal
	if !c.pausedAt.IsZero() {
		paused += end.Sub(c.pausedAt)
	}
	d := end.Sub(c.run.StartedAt) - paused
	if d < 0 {
		d = 0
	}
	return float64(d) / float64(time.Millisecond)
}
