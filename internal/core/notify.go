package core

import (
	"time"

	"github.com/gotsync/gotsync/pkg/protocol"
)

// Notification is a typed state-change notice published to observers.
// Every mutation of connection, run, node or cost state produces one, and so
// does every surfaced error.
type Notification interface {
	Kind() string
}

// Listener receives notifications. Implementations run on the owning event
// loop and must not block or mutate the state they are told about.
type Listener interface {
	OnNotification(n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(n Notification)

func (f ListenerFunc) OnNotification(n Notification) { f(n) }

// ReplyFunc receives the outcome of an outbound command: the backend's ack,
// or the error that prevented one.
type ReplyFunc func(ack protocol.Ack, err error)

type ConnectionStateChanged struct {
	From     ConnState `json:"from"`
	To       ConnState `json:"to"`
	Attempts int       `json:"attempts"`
	Err      error     `json:"-"`
}

type SessionEstablished struct {
	SessionID string `json:"session_id"`
}

type RunStateChanged struct {
	From   RunState `json:"from"`
	To     RunState `json:"to"`
	Reason string   `json:"reason,omitempty"`
}

type NodeChanged struct {
	Node Node `json:"node"`
	// Placeholder is set for nodes synthesized from a predecessor reference.
	Placeholder bool `json:"placeholder,omitempty"`
}

type TotalsChanged struct {
	Totals Totals `json:"totals"`
}

type BudgetSeverityChanged struct {
	From     Severity `json:"from"`
	To       Severity `json:"to"`
	Fraction float64  `json:"fraction"`
}

// CommandQueued warns that a command could not be delivered immediately.
type CommandQueued struct {
	Command protocol.Name `json:"command"`
}

// CommandExpired is the non-fatal warning for a queued command that was
// discarded instead of replayed.
type CommandExpired struct {
	Command    protocol.Name `json:"command"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// CommandFailed surfaces a command rejected by the backend or never
// acknowledged.
type CommandFailed struct {
	Command protocol.Name `json:"command"`
	Err     error         `json:"-"`
}

// Problem carries protocol errors and stale events.
type Problem struct {
	Err error `json:"-"`
}

type BackendLog struct {
	Message protocol.LogMessage `json:"message"`
}

type BackendDebug struct {
	Info protocol.DebugInfo `json:"info"`
}

type ThoughtsReported struct {
	OperationID string    `json:"operation_id"`
	Count       int       `json:"count"`
	Scores      []float64 `json:"scores,omitempty"`
}

func (ConnectionStateChanged) Kind() string { return "connection_state_changed" }
func (SessionEstablished) Kind() string     { return "session_established" }
func (RunStateChanged) Kind() string        { return "run_state_changed" }
func (NodeChanged) Kind() string            { return "node_changed" }
func (TotalsChanged) Kind() string          { return "totals_changed" }
func (BudgetSeverityChanged) Kind() string  { return "budget_severity_changed" }
func (CommandQueued) Kind() string          { return "command_queued" }
func (CommandExpired) Kind() string         { return "command_expired" }
func (CommandFailed) Kind() string          { return "command_failed" }
func (Problem) Kind() string                { return "problem" }
func (BackendLog) Kind() string             { return "backend_log" }
func (BackendDebug) Kind() string           { return "backend_debug" }
func (ThoughtsReported) Kind() string       { return "thoughts_reported" }

// ErrorOf returns the error carried by n, if any.
func ErrorOf(n Notification) error {
	switch v := n.(type) {
	case ConnectionStateChanged:
		return v.Err
	case CommandFailed:
		return v.Err
	case Problem:
		return v.Err
	}
	return nil
}

// Fanout delivers each notification to every subscribed listener in
// subscription order. It is not safe for concurrent use; it belongs to the
// event loop that publishes through it.
type Fanout struct {
	next      int
	listeners []subscription
}

type subscription struct {
	id int
	l  Listener
}

// Subscribe adds l and returns a function that removes it.
func (f *Fanout) Subscribe(l Listener) (unsubscribe func()) {
	f.next++
	id := f.next
	f.listeners = append(f.listeners, subscription{id: id, l: l})
	return func() {
		for i, s := range f.listeners {
			if s.id == id {
				f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
				return
			}
		}
	}
}

// Len returns the number of subscribed listeners.
func (f *Fanout) Len() int {
	return len(f.listeners)
}

func (f *Fanout) OnNotification(n Notification) {
	for _, s := range f.listeners {
		s.l.OnNotification(n)
	}
}
