package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/loop"
	"github.com/gotsync/gotsync/internal/queue"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Options tune reconnect, heartbeat and acknowledgement behaviour.
type Options struct {
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HeartbeatInterval    time.Duration
	AckTimeout           time.Duration
	DialTimeout          time.Duration
	QueueTTL             time.Duration
}

// DefaultOptions returns the stock connection settings.
func DefaultOptions() Options {
	return Options{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		HeartbeatInterval:    30 * time.Second,
		AckTimeout:           30 * time.Second,
		DialTimeout:          10 * time.Second,
		QueueTTL:             queue.DefaultTTL,
	}
}

// Deps are the collaborators a Manager runs against.
type Deps struct {
	Poster   loop.Poster
	Clock    loop.Clock
	Listener core.Listener
	// OnEvent receives every decoded inbound event except acks.
	OnEvent func(protocol.Event)
	Logger  zerolog.Logger
}

type pendingAck struct {
	command protocol.Name
	reply   core.ReplyFunc
	timer   loop.Timer
}

// Manager owns the connection state machine. All methods must be called on
// the loop goroutine behind Deps.Poster; I/O happens on helper goroutines
// that post their results back.
type Manager struct {
	opts      Options
	transport Transport
	poster    loop.Poster
	clock     loop.Clock
	listener  core.Listener
	onEvent   func(protocol.Event)
	log       zerolog.Logger

	state    core.ConnState
	attempts int
	backoff  backoff.BackOff
	// session is the id from the current link's connected event; ready is
	// set once it has arrived. Commands are held until then.
	session string
	ready   bool
	// gen identifies the current dial/link; callbacks from older ones are
	// ignored.
	gen        int
	conn       Conn
	closed     bool
	cancelDial context.CancelFunc
	heartbeat  loop.Timer
	reconnect  loop.Timer

	queue   *queue.Buffer
	pending map[string]*pendingAck
}

// NewManager returns a manager in the disconnected state.
func NewManager(transport Transport, opts Options, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = loop.RealClock()
	}
	if deps.Listener == nil {
		deps.Listener = core.ListenerFunc(func(core.Notification) {})
	}
	if deps.OnEvent == nil {
		deps.OnEvent = func(protocol.Event) {}
	}
	return &Manager{
		opts:      opts,
		transport: transport,
		poster:    deps.Poster,
		clock:     deps.Clock,
		listener:  deps.Listener,
		onEvent:   deps.OnEvent,
		log:       deps.Logger.With().Str("component", "connection").Logger(),
		state:     core.ConnDisconnected,
		backoff:   newReconnectBackOff(opts.ReconnectDelay, opts.MaxReconnectAttempts),
		queue:     queue.New(opts.QueueTTL),
		pending:   make(map[string]*pendingAck),
	}
}

// State returns the current connection state.
func (m *Manager) State() core.ConnState {
	return m.state
}

// Attempts returns the number of consecutive failed (re)connects.
func (m *Manager) Attempts() int {
	return m.attempts
}

// QueueLen returns the number of commands waiting for a link.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Ready reports whether the link is up and the backend has announced the
// session. Commands sent before then are queued.
func (m *Manager) Ready() bool {
	return m.state == core.ConnConnected && m.ready
}

// SessionID returns the session announced on the current link, or the last
// one if the link is down.
func (m *Manager) SessionID() string {
	return m.session
}

// PendingAcks returns the number of commands awaiting acknowledgement.
func (m *Manager) PendingAcks() int {
	return len(m.pending)
}

// Connect starts dialing. It is a no-op while connecting or connected and
// fails once reconnection has been given up.
func (m *Manager) Connect() error {
	if m.closed {
		return core.ErrClosed
	}
	switch m.state {
	case core.ConnConnecting, core.ConnConnected:
		return nil
	case core.ConnFailed:
		return core.ErrConnectionFailed
	}
	m.stopTimer(&m.reconnect)
	m.dial()
	return nil
}

// Close tears the connection down for good. Pending acknowledgements and
// queued commands resolve with core.ErrClosed.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.ready = false
	m.gen++
	m.stopTimer(&m.reconnect)
	m.stopTimer(&m.heartbeat)
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.failPending(core.ErrClosed)
	for _, e := range m.queue.Drain() {
		if e.Reply != nil {
			e.Reply(protocol.Ack{}, core.ErrClosed)
		}
	}
	if m.state != core.ConnFailed {
		m.setState(core.ConnDisconnected, core.ErrClosed)
	}
	m.log.Info().Msg("Connection closed")
}

// Send delivers a command. With a reply the backend is asked to acknowledge
// and reply receives the ack or the error that replaced it. When the link is
// down, or the backend has not announced the session yet, the command is
// queued and core.ErrNotConnected is returned.
func (m *Manager) Send(name protocol.Name, payload any, reply core.ReplyFunc) error {
	if m.closed {
		return core.ErrClosed
	}
	if m.state == core.ConnFailed {
		return core.ErrConnectionFailed
	}

	entry := queue.Entry{Name: name, Payload: payload, EnqueuedAt: m.clock.Now(), Reply: reply}
	if !m.Ready() {
		m.queue.Enqueue(entry)
		m.log.Warn().Str("command", string(name)).Int("queued", m.queue.Len()).Msg("Link not ready, command queued")
		return core.ErrNotConnected
	}
	return m.deliver(entry)
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	m.setState(core.ConnConnecting, nil)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.opts.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), m.opts.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	m.cancelDial = cancel

	m.log.Debug().Int("attempt", m.attempts).Msg("Dialing backend")
	go func() {
		conn, err := m.transport.Dial(ctx)
		cancel()
		posted := m.poster.Post(func() { m.dialed(gen, conn, err) })
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) dialed(gen int, conn Conn, err error) {
	if gen != m.gen || m.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.log.Warn().Err(err).Int("attempt", m.attempts).Msg("Failed to connect")
		m.setState(core.ConnError, fmt.Errorf("failed to connect: %w", err))
		m.scheduleReconnect()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.backoff.Reset()
	m.ready = false
	m.setState(core.ConnConnected, nil)
	m.log.Info().Msg("Connected to backend, waiting for session")

	go m.read(gen, conn)
	m.scheduleHeartbeat(gen)
}

func (m *Manager) read(gen int, conn Conn) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			m.poster.Post(func() { m.lost(gen, err) })
			return
		}
		if !m.poster.Post(func() { m.received(gen, raw) }) {
			return
		}
	}
}

func (m *Manager) received(gen int, raw []byte) {
	if gen != m.gen {
		return
	}

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		m.problem(&core.ProtocolError{Reason: "undecodable frame", Err: err})
		return
	}
	if frame.Event == protocol.NameAck {
		m.acknowledge(frame)
		return
	}

	evt, err := frame.Decode()
	if err != nil {
		m.problem(&core.ProtocolError{Event: frame.Event, Reason: "malformed payload", Err: err})
		return
	}
	m.onEvent(evt)

	if e, ok := evt.(protocol.Connected); ok {
		m.session = e.SessionID
		m.ready = true
		m.log.Info().Str("session_id", e.SessionID).Msg("Session announced")
		m.flush()
	}
}

func (m *Manager) acknowledge(frame protocol.Frame) {
	ack, err := frame.Ack()
	if err != nil {
		m.problem(&core.ProtocolError{Event: protocol.NameAck, Reason: "malformed ack", Err: err})
		return
	}
	p, ok := m.pending[frame.ID]
	if !ok {
		m.log.Debug().Str("request_id", frame.ID).Msg("Ack for unknown or expired request ignored")
		return
	}
	delete(m.pending, frame.ID)
	m.stopTimer(&p.timer)

	if !ack.Success {
		msg := ack.Error
		if msg == "" {
			msg = "rejected without reason"
		}
		p.reply(ack, &core.CommandError{Command: p.command, Message: msg})
		return
	}
	p.reply(ack, nil)
}

// lost handles a dropped link: in-flight acks fail and a reconnect is
// scheduled.
func (m *Manager) lost(gen int, cause error) {
	if gen != m.gen || m.state != core.ConnConnected {
		return
	}
	m.gen++
	m.ready = false
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.stopTimer(&m.heartbeat)

	err := fmt.Errorf("%w: %v", core.ErrConnectionLost, cause)
	m.log.Warn().Err(cause).Msg("Connection lost")
	m.setState(core.ConnDisconnected, err)
	m.failPending(core.ErrConnectionLost)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.closed {
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop {
		m.log.Error().Int("attempts", m.attempts).Msg("Giving up reconnecting")
		m.setState(core.ConnFailed, core.ErrConnectionFailed)
		for _, e := range m.queue.Drain() {
			if e.Reply != nil {
				e.Reply(protocol.Ack{}, core.ErrConnectionFailed)
			}
		}
		return
	}

	m.attempts++
	gen := m.gen
	m.log.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("Reconnect scheduled")
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.poster.Post(func() {
			if gen != m.gen || m.closed {
				return
			}
			m.reconnect = nil
			m.dial()
		})
	})
}

func (m *Manager) scheduleHeartbeat(gen int) {
	if m.opts.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeat = m.clock.AfterFunc(m.opts.HeartbeatInterval, func() {
		m.poster.Post(func() {
			if gen != m.gen || m.state != core.ConnConnected {
				return
			}
			m.beat()
			m.scheduleHeartbeat(gen)
		})
	})
}

func (m *Manager) beat() {
	data, err := protocol.EncodeFrame(protocol.NameHeartbeat, "", protocol.HeartbeatPayload{Timestamp: m.clock.Now().UnixMilli()})
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to encode heartbeat")
		return
	}
	if err := m.conn.WriteFrame(data); err != nil {
		m.lost(m.gen, err)
	}
}

// flush replays the queue once the backend has announced the session.
// Expired commands are dropped with a warning; the rest go out in enqueue
// order.
func (m *Manager) flush() {
	valid, expired := m.queue.Flush(m.clock.Now())
	for _, e := range expired {
		m.log.Warn().Str("command", string(e.Name)).Dur("age", e.Age(m.clock.Now())).Msg("Queued command expired")
		m.listener.OnNotification(core.CommandExpired{Command: e.Name, EnqueuedAt: e.EnqueuedAt})
		if e.Reply != nil {
			e.Reply(protocol.Ack{}, core.ErrCommandExpired)
		}
	}
	if len(valid) > 0 {
		m.log.Info().Int("count", len(valid)).Msg("Replaying queued commands")
	}
	for i, e := range valid {
		if !m.Ready() {
			// the link dropped mid-replay; keep the rest for the next one
			for _, rest := range valid[i:] {
				m.queue.Enqueue(rest)
			}
			return
		}
		_ = m.deliver(e)
	}
}

// deliver writes e on the live link, addressed to the current session. A
// failed write re-queues e with its original timestamp and tears the link
// down.
func (m *Manager) deliver(e queue.Entry) error {
	var id string
	if e.Reply != nil {
		id = uuid.NewString()
	}
	payload := e.Payload
	if scoped, ok := payload.(protocol.SessionScoped); ok {
		payload = scoped.ForSession(m.session)
	}
	data, err := protocol.EncodeFrame(e.Name, id, payload)
	if err != nil {
		if e.Reply != nil {
			e.Reply(protocol.Ack{}, err)
		}
		return err
	}

	if id != "" {
		p := &pendingAck{command: e.Name, reply: e.Reply}
		if m.opts.AckTimeout > 0 {
			gen := m.gen
			p.timer = m.clock.AfterFunc(m.opts.AckTimeout, func() {
				m.poster.Post(func() { m.ackTimedOut(gen, id) })
			})
		}
		m.pending[id] = p
	}

	if err := m.conn.WriteFrame(data); err != nil {
		if p, ok := m.pending[id]; ok {
			m.stopTimer(&p.timer)
			delete(m.pending, id)
		}
		m.queue.Enqueue(e)
		m.lost(m.gen, err)
		return core.ErrNotConnected
	}
	m.log.Debug().Str("command", string(e.Name)).Str("request_id", id).Msg("Command sent")
	return nil
}

func (m *Manager) ackTimedOut(gen int, id string) {
	p, ok := m.pending[id]
	if !ok || gen != m.gen {
		return
	}
	delete(m.pending, id)
	m.log.Warn().Str("command", string(p.command)).Str("request_id", id).Msg("Acknowledgement timed out")
	p.reply(protocol.Ack{}, core.ErrAckTimeout)
}

func (m *Manager) failPending(err error) {
	pending := m.pending
	m.pending = make(map[string]*pendingAck)
	for _, p := range pending {
		m.stopTimer(&p.timer)
		p.reply(protocol.Ack{}, err)
	}
}

func (m *Manager) setState(to core.ConnState, err error) {
	from := m.state
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		terr := &core.TransitionError{Entity: "connection", From: string(from), To: string(to)}
		m.log.Error().Err(terr).Msg("Connection transition refused")
		return
	}
	m.state = to
	m.listener.OnNotification(core.ConnectionStateChanged{From: from, To: to, Attempts: m.attempts, Err: err})
}

func (m *Manager) problem(err error) {
	m.log.Warn().Err(err).Msg("Inbound frame dropped")
	m.listener.OnNotification(core.Problem{Err: err})
}

func (m *Manager) stopTimer(t *loop.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
