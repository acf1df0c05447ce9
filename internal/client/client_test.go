package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	kinds []string
}

func (c *collector) OnNotification(n core.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, n.Kind())
}

func (c *collector) has(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type backend struct {
	t    *testing.T
	conn *connection.PipeConn
}

func (b *backend) send(name protocol.Name, payload any) {
	b.t.Helper()
	data, err := protocol.EncodeFrame(name, "", payload)
	require.NoError(b.t, err)
	require.NoError(b.t, b.conn.WriteFrame(data))
}

func (b *backend) expect(name protocol.Name) protocol.Frame {
	b.t.Helper()
	for {
		raw, err := b.conn.ReadFrame()
		require.NoError(b.t, err)
		frame, err := protocol.DecodeFrame(raw)
		require.NoError(b.t, err)
		if frame.Event == protocol.NameHeartbeat {
			continue
		}
		require.Equal(b.t, name, frame.Event)
		return frame
	}
}

func (b *backend) ack(frame protocol.Frame, result any, errMsg string) {
	b.t.Helper()
	data, err := protocol.EncodeAck(frame.ID, result, errMsg)
	require.NoError(b.t, err)
	require.NoError(b.t, b.conn.WriteFrame(data))
}

type fixture struct {
	ctx       context.Context
	client    *Client
	clock     *clockwork.FakeClock
	transport *connection.PipeTransport
	events    *collector
}

func start(t *testing.T, dialErr error) *fixture {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	opts := connection.DefaultOptions()
	opts.DialTimeout = 0
	f := &fixture{
		ctx:       ctx,
		clock:     clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		transport: connection.NewPipeTransport(),
		events:    &collector{},
	}
	f.transport.SetDialError(dialErr)
	f.client = New(f.transport, Options{Connection: opts, MaxCost: 1, Clock: f.clock, Logger: zerolog.Nop()})

	go func() { _ = f.client.Run(ctx) }()
	t.Cleanup(f.client.Close)

	_, err := f.client.Subscribe(ctx, f.events)
	require.NoError(t, err)
	return f
}

func (f *fixture) runState(t *testing.T) core.RunState {
	t.Helper()
	snap, err := f.client.Snapshot(f.ctx)
	require.NoError(t, err)
	return snap.Run.State
}

func (f *fixture) connState(t *testing.T) core.ConnState {
	t.Helper()
	sess, err := f.client.Session(f.ctx)
	require.NoError(t, err)
	return sess.ConnectionState
}

// An execute issued while disconnected is queued, delivered on reconnect and
// the run follows the backend's execution_started.
func TestQueuedExecuteDeliveredOnReconnect(t *testing.T) {
	f := start(t, errors.New("backend down"))
	require.Eventually(t, func() bool { return f.connState(t) == core.ConnError }, 2*time.Second, 5*time.Millisecond)

	fut, err := f.client.Execute(f.ctx, protocol.ExecuteWorkflow{WorkflowID: "portfolio"})
	require.NoError(t, err)
	assert.Equal(t, core.RunStarting, f.runState(t))
	assert.True(t, f.events.has("command_queued"))

	f.transport.SetDialError(nil)
	f.clock.Advance(time.Second)
	conn, err := f.transport.Accept(f.ctx)
	require.NoError(t, err)
	b := &backend{t: t, conn: conn}

	b.send(protocol.NameConnected, protocol.Connected{SessionID: "sess-1"})
	cmd := b.expect(protocol.NameExecuteWorkflow)
	payload, err := protocol.DecodePayload[protocol.ExecuteWorkflow](cmd)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, "portfolio", payload.WorkflowID)
	b.ack(cmd, nil, "")
	b.send(protocol.NameExecutionStarted, protocol.ExecutionStarted{WorkflowID: "portfolio"})

	_, err = fut.Wait(f.ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.runState(t) == core.RunRunning }, 2*time.Second, 5*time.Millisecond)

	sess, err := f.client.Session(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, Session{ID: "sess-1", ConnectionState: core.ConnConnected}, sess)
	assert.True(t, f.events.has("session_established"))
}

func TestRunReplacement(t *testing.T) {
	f := start(t, nil)
	conn, err := f.transport.Accept(f.ctx)
	require.NoError(t, err)
	b := &backend{t: t, conn: conn}
	b.send(protocol.NameConnected, protocol.Connected{SessionID: "sess-2"})
	require.Eventually(t, func() bool {
		sess, err := f.client.Session(f.ctx)
		return err == nil && sess.ID == "sess-2"
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.client.Execute(f.ctx, protocol.ExecuteWorkflow{WorkflowID: "wf"})
	require.NoError(t, err)
	cmd := b.expect(protocol.NameExecuteWorkflow)
	b.ack(cmd, nil, "")

	payload, err := protocol.DecodePayload[protocol.ExecuteWorkflow](cmd)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", payload.SessionID)

	_, err = f.client.Execute(f.ctx, protocol.ExecuteWorkflow{WorkflowID: "wf"})
	assert.ErrorIs(t, err, core.ErrRunActive)

	b.send(protocol.NameExecutionStarted, protocol.ExecutionStarted{})
	b.send(protocol.NameOperationStart, protocol.OperationStarted{ID: "n1", Type: "Generate"})
	b.send(protocol.NameOperationComplete, protocol.OperationCompleted{ID: "n1", Cost: 0.25})
	b.send(protocol.NameExecutionCompleted, protocol.ExecutionCompleted{OperationsCount: 1, TotalCost: 0.25})
	require.Eventually(t, func() bool { return f.runState(t) == core.RunCompleted }, 2*time.Second, 5*time.Millisecond)

	snap, err := f.client.Snapshot(f.ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
	assert.Equal(t, 0.25, snap.Totals.TotalCost)

	// A finished run is replaced by a fresh one with an empty graph.
	_, err = f.client.Execute(f.ctx, protocol.ExecuteWorkflow{WorkflowID: "wf"})
	require.NoError(t, err)
	snap, err = f.client.Snapshot(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Nodes)
	assert.Equal(t, core.RunStarting, snap.Run.State)
	assert.Zero(t, snap.Totals.TotalCost)
}

func TestNodeDetailsRoundTrip(t *testing.T) {
	f := start(t, nil)
	conn, err := f.transport.Accept(f.ctx)
	require.NoError(t, err)
	b := &backend{t: t, conn: conn}
	b.send(protocol.NameConnected, protocol.Connected{SessionID: "sess-3"})

	fut, err := f.client.NodeDetails(f.ctx, "n7")
	require.NoError(t, err)
	req := b.expect(protocol.NameGetNodeDetails)
	b.ack(req, protocol.NodeDetails{ID: "n7", Type: "KeepBest", State: "completed"}, "")

	details, err := fut.Wait(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "KeepBest", details.Type)
}

// A pause issued while the link is down is replayed under the session the
// backend announces on the new link.
func TestPauseQueuedAcrossReconnectUsesNewSession(t *testing.T) {
	f := start(t, nil)
	conn, err := f.transport.Accept(f.ctx)
	require.NoError(t, err)
	b := &backend{t: t, conn: conn}
	b.send(protocol.NameConnected, protocol.Connected{SessionID: "sess-1"})

	_, err = f.client.Execute(f.ctx, protocol.ExecuteWorkflow{WorkflowID: "wf"})
	require.NoError(t, err)
	b.ack(b.expect(protocol.NameExecuteWorkflow), nil, "")
	b.send(protocol.NameExecutionStarted, protocol.ExecutionStarted{})
	require.Eventually(t, func() bool { return f.runState(t) == core.RunRunning }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.connState(t) == core.ConnDisconnected }, 2*time.Second, 5*time.Millisecond)

	fut, err := f.client.Pause(f.ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	conn, err = f.transport.Accept(f.ctx)
	require.NoError(t, err)
	b = &backend{t: t, conn: conn}
	b.send(protocol.NameConnected, protocol.Connected{SessionID: "sess-2"})

	cmd := b.expect(protocol.NamePauseExecution)
	payload, err := protocol.DecodePayload[protocol.SessionCommand](cmd)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", payload.SessionID)
	b.ack(cmd, nil, "")
	_, err = fut.Wait(f.ctx)
	require.NoError(t, err)

	sess, err := f.client.Session(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", sess.ID)
}

func TestClosedClient(t *testing.T) {
	f := start(t, nil)
	f.client.Close()
	<-f.client.Done()

	_, err := f.client.Execute(f.ctx, protocol.ExecuteWorkflow{})
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = f.client.Snapshot(f.ctx)
	assert.ErrorIs(t, err, core.ErrClosed)
}
