// Package client ties the synchronization core together for one session:
// an event loop owning the connection, the current run controller and the
// notification fan-out. Its methods are safe for concurrent use.
package client

import (
	"context"
	"fmt"

	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/controller"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/loop"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Options configure a Client.
type Options struct {
	Connection connection.Options
	// MaxCost is the default run budget.
	MaxCost float64
	Clock   loop.Clock
	Logger  zerolog.Logger
}

// Session describes the link to the backend.
type Session struct {
	ID              string         `json:"id"`
	ConnectionState core.ConnState `json:"connection_state"`
}

// Client is the per-session context object. Listeners subscribed to it run
// on the client's loop and must not call back into the client synchronously.
type Client struct {
	opts   Options
	log    zerolog.Logger
	loop   *loop.Loop
	conn   *connection.Manager
	ctrl   *controller.Controller
	fanout core.Fanout
	sess   Session
}

// New builds a client over transport. Nothing happens until Run.
func New(transport connection.Transport, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = loop.RealClock()
	}
	c := &Client{
		opts: opts,
		log:  opts.Logger.With().Str("component", "client").Logger(),
		loop: loop.New(),
		sess: Session{ConnectionState: core.ConnDisconnected},
	}
	c.conn = connection.NewManager(transport, opts.Connection, connection.Deps{
		Poster:   c.loop,
		Clock:    opts.Clock,
		Listener: core.ListenerFunc(c.notify),
		OnEvent:  c.dispatch,
		Logger:   opts.Logger,
	})
	c.ctrl = c.newController()
	return c
}

// Run connects and processes events until ctx ends or Close is called.
func (c *Client) Run(ctx context.Context) error {
	c.loop.Post(func() {
		if err := c.conn.Connect(); err != nil {
			c.log.Error().Err(err).Msg("Failed to start connection")
		}
	})
	err := c.loop.Run(ctx)
	// The loop is gone; this goroutine is the only one left touching state.
	c.conn.Close()
	return err
}

// Close tears the session down.
func (c *Client) Close() {
	_ = c.loop.Call(context.Background(), c.conn.Close)
	c.loop.Stop()
}

// Done is closed once the client has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.loop.Done()
}

// Subscribe registers l for notifications. The returned function removes it.
func (c *Client) Subscribe(ctx context.Context, l core.Listener) (func(), error) {
	var remove func()
	if err := c.loop.Call(ctx, func() { remove = c.fanout.Subscribe(l) }); err != nil {
		return nil, err
	}
	return func() { c.loop.Post(remove) }, nil
}

// Connect dials again after a manual disconnect. It fails once the
// connection has given up.
func (c *Client) Connect(ctx context.Context) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.conn.Connect()
	})
	return err
}

// Execute starts a new run. A finished run is replaced; an active one is
// refused with core.ErrRunActive.
func (c *Client) Execute(ctx context.Context, cmd protocol.ExecuteWorkflow) (*loop.Future[protocol.Ack], error) {
	return call(ctx, c, func() (*loop.Future[protocol.Ack], error) {
		state := c.ctrl.State()
		if state.Active() {
			return nil, fmt.Errorf("%s: %w", protocol.NameExecuteWorkflow, core.ErrRunActive)
		}
		if state.Terminal() {
			c.ctrl = c.newController()
		}
		if cmd.SessionID == "" {
			cmd.SessionID = c.sess.ID
		}
		return c.ctrl.IssueExecute(cmd)
	})
}

// Pause asks the backend to pause the current run.
func (c *Client) Pause(ctx context.Context) (*loop.Future[protocol.Ack], error) {
	return call(ctx, c, func() (*loop.Future[protocol.Ack], error) { return c.ctrl.IssuePause() })
}

// Resume asks the backend to resume the current run.
func (c *Client) Resume(ctx context.Context) (*loop.Future[protocol.Ack], error) {
	return call(ctx, c, func() (*loop.Future[protocol.Ack], error) { return c.ctrl.IssueResume() })
}

// Stop asks the backend to stop the current run.
func (c *Client) Stop(ctx context.Context) (*loop.Future[protocol.Ack], error) {
	return call(ctx, c, func() (*loop.Future[protocol.Ack], error) { return c.ctrl.IssueStop() })
}

// NodeDetails requests the backend's full snapshot of one node.
func (c *Client) NodeDetails(ctx context.Context, nodeID string) (*loop.Future[protocol.NodeDetails], error) {
	return call(ctx, c, func() (*loop.Future[protocol.NodeDetails], error) {
		return c.ctrl.RequestNodeDetails(nodeID)
	})
}

// Snapshot returns a copy of the current run, its graph and totals.
func (c *Client) Snapshot(ctx context.Context) (controller.Snapshot, error) {
	return call(ctx, c, func() (controller.Snapshot, error) { return c.ctrl.Snapshot(), nil })
}

// Session returns the session id and connection state.
func (c *Client) Session(ctx context.Context) (Session, error) {
	return call(ctx, c, func() (Session, error) { return c.sess, nil })
}

func (c *Client) newController() *controller.Controller {
	ctrl := controller.New(controller.Deps{
		Sender:   c.conn,
		Clock:    c.opts.Clock,
		Listener: core.ListenerFunc(c.notify),
		Logger:   c.opts.Logger,
		MaxCost:  c.opts.MaxCost,
	})
	ctrl.SetSessionID(c.sess.ID)
	return ctrl
}

// dispatch routes inbound events; session events stay here, the rest belong
// to the run.
func (c *Client) dispatch(evt protocol.Event) {
	if e, ok := evt.(protocol.Connected); ok {
		c.sess.ID = e.SessionID
		c.ctrl.SetSessionID(e.SessionID)
		c.log.Info().Str("session_id", e.SessionID).Msg("Session established")
		c.notify(core.SessionEstablished{SessionID: e.SessionID})
		return
	}
	c.ctrl.Handle(evt)
}

func (c *Client) notify(n core.Notification) {
	if sc, ok := n.(core.ConnectionStateChanged); ok {
		c.sess.ConnectionState = sc.To
		if sc.To == core.ConnFailed {
			c.sess.ID = ""
		}
	}
	c.fanout.OnNotification(n)
}

func call[T any](ctx context.Context, c *Client, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if cerr := c.loop.Call(ctx, func() { out, err = fn() }); cerr != nil {
		var zero T
		return zero, cerr
	}
	return out, err
}
