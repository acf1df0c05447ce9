package core

import (
	"errors"
	"fmt"

	"github.com/gotsync/gotsync/pkg/protocol"
)

var (
	// ErrNotConnected is returned by a send that was queued instead of
	// delivered. The command is not lost.
	ErrNotConnected = errors.New("not connected: command queued")
	// ErrConnectionLost resolves acknowledgements that were in flight when
	// the transport dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrConnectionFailed means reconnection attempts are exhausted.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrClosed is returned after explicit teardown.
	ErrClosed = errors.New("closed")
	// ErrCommandExpired resolves a queued command that outlived its TTL.
	ErrCommandExpired = errors.New("command expired before delivery")
	// ErrAckTimeout resolves a command whose acknowledgement never arrived.
	ErrAckTimeout = errors.New("acknowledgement timed out")
	// ErrTerminal rejects commands against a finished run.
	ErrTerminal = errors.New("run is in a terminal state")
	// ErrIllegalTransition rejects a state change outside the state machine.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrStaleEvent marks an event that no longer applies and was dropped.
	ErrStaleEvent = errors.New("stale event")
	// ErrRunActive rejects starting a run while another one is in progress.
	ErrRunActive = errors.New("a run is already in progress")
)

// CommandError is an explicit rejection of a command by the backend.
type CommandError struct {
	Command protocol.Name
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Command, e.Message)
}

// ProtocolError describes a malformed or inconsistent inbound event. It is
// logged and published, never returned to the transport.
type ProtocolError struct {
	Event  protocol.Name
	NodeID string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error in %s", e.Event)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s)", e.NodeID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %v", e.Entity, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}
