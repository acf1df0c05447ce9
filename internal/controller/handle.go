package controller

import (
	"strings"
	"time"

	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/registry"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Handle applies one inbound event. Protocol problems are logged and
// published as notifications, never returned.
func (c *Controller) Handle(evt protocol.Event) {
	switch e := evt.(type) {
	case protocol.Connected:
		c.SetSessionID(e.SessionID)

	case protocol.ExecutionStarted:
		if e.WorkflowID != "" {
			c.run.WorkflowID = e.WorkflowID
		}
		if c.transition(core.RunRunning, "execution started") {
			c.confirmed = core.RunRunning
		}

	case protocol.ExecutionPaused:
		if c.transition(core.RunPaused, "execution paused") {
			c.confirmed = core.RunPaused
			c.pausedAt = c.clock.Now()
		}

	case protocol.ExecutionResumed:
		if c.transition(core.RunRunning, "execution resumed") {
			c.confirmed = core.RunRunning
			if !c.pausedAt.IsZero() {
				c.pausedTotal += c.clock.Now().Sub(c.pausedAt)
				c.pausedAt = time.Time{}
			}
		}

	case protocol.ExecutionCompleted:
		if c.transition(core.RunCompleted, "execution completed") {
			c.finish()
			c.metrics.ApplySummary(e)
			c.totalsChanged()
		}

	case protocol.ExecutionFailed:
		if c.run.State.Active() {
			c.run.Error = e.Error
		}
		if c.transition(core.RunError, "execution error") {
			c.finish()
		}

	case protocol.OperationStarted:
		if c.accepting(e) {
			out, err := c.registry.BeginOperation(e.ID, e.Type, e.Parameters, e.Predecessors)
			c.applied(out, err)
		}

	case protocol.OperationCompleted:
		if c.accepting(e) {
			out, err := c.registry.CompleteOperation(e.ID, e.Thoughts, e.Cost, e.ExecutionTimeMs, e.MaxScore)
			c.applied(out, err)
			if out.Changed {
				c.totalsChanged()
			}
		}

	case protocol.OperationFailed:
		if c.accepting(e) {
			out, err := c.registry.FailOperation(e.ID, e.Error)
			c.applied(out, err)
			if out.Changed {
				c.totalsChanged()
			}
		}

	case protocol.CostUpdated:
		c.metrics.ObserveCostUpdate(e)
		c.totalsChanged()

	case protocol.PerformanceMetrics:
		c.metrics.ApplyPerformance(e)
		c.totalsChanged()

	case protocol.DebugInfo:
		c.log.Debug().Str("message", e.Message).Interface("data", e.Data).Msg("Backend debug info")
		c.listener.OnNotification(core.BackendDebug{Info: e})

	case protocol.LogMessage:
		c.log.WithLevel(backendLevel(e.Level)).Str("operation_id", e.OperationID).Msg(e.Message)
		c.listener.OnNotification(core.BackendLog{Message: e})

	case protocol.ThoughtsGenerated:
		count := e.Count
		if count == 0 {
			count = len(e.Thoughts)
		}
		c.listener.OnNotification(core.ThoughtsReported{OperationID: e.OperationID, Count: count})

	case protocol.ThoughtsScored:
		scores := append([]float64(nil), e.Scores...)
		c.listener.OnNotification(core.ThoughtsReported{OperationID: e.OperationID, Count: len(scores), Scores: scores})

	case protocol.Unknown:
		err := &core.ProtocolError{Event: e.Name, Reason: "unknown event"}
		c.log.Warn().Err(err).Msg("Inbound event dropped")
		c.listener.OnNotification(core.Problem{Err: err})

	default:
		err := &core.ProtocolError{Event: evt.EventName(), Reason: "unhandled event"}
		c.log.Error().Err(err).Msg("Inbound event dropped")
		c.listener.OnNotification(core.Problem{Err: err})
	}
}

// accepting reports whether operation events currently belong to the run.
func (c *Controller) accepting(evt protocol.Event) bool {
	if c.run.State.Active() {
		return true
	}
	err := &core.ProtocolError{
		Event:  evt.EventName(),
		Reason: "run is " + string(c.run.State),
		Err:    core.ErrStaleEvent,
	}
	c.log.Warn().Err(err).Msg("Stale operation event dropped")
	c.listener.OnNotification(core.Problem{Err: err})
	return false
}

func (c *Controller) applied(out registry.Outcome, err error) {
	if err != nil {
		c.listener.OnNotification(core.Problem{Err: err})
		return
	}
	for _, p := range out.Problems {
		c.listener.OnNotification(core.Problem{Err: p})
	}
	placeholders := make(map[string]bool, len(out.Placeholders))
	for _, id := range out.Placeholders {
		placeholders[id] = true
	}
	for _, id := range out.Touched {
		if n, ok := c.registry.Node(id); ok {
			c.listener.OnNotification(core.NodeChanged{Node: n, Placeholder: placeholders[id]})
		}
	}
}

func (c *Controller) totalsChanged() {
	totals := c.metrics.Totals()
	c.listener.OnNotification(core.TotalsChanged{Totals: totals})
	if totals.Severity != c.severity {
		from := c.severity
		c.severity = totals.Severity
		c.log.Warn().Str("severity", string(totals.Severity)).Float64("fraction", totals.BudgetFraction).Msg("Budget severity changed")
		c.listener.OnNotification(core.BudgetSeverityChanged{From: from, To: totals.Severity, Fraction: totals.BudgetFraction})
	}
}

func (c *Controller) finish() {
	c.confirmed = c.run.State
	now := c.clock.Now()
	if !c.pausedAt.IsZero() {
		c.pausedTotal += now.Sub(c.pausedAt)
		c.pausedAt = time.Time{}
	}
	c.endedAt = now
}

func backendLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "critical":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
