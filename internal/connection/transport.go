// Package connection maintains the link to the execution backend: dialing,
// reconnect with backoff, heartbeat, acknowledgement tracking and replay of
// commands queued while the link was down.
package connection

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Conn is one established, message-oriented link. ReadFrame is called from a
// single reader goroutine; WriteFrame and Close may be called from another.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Transport opens links to the backend.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// ErrPipeClosed is returned by writes on a closed pipe.
var ErrPipeClosed = errors.New("pipe closed")

// PipeTransport is an in-memory Transport. Each Dial yields a connected pair;
// the far end is handed out through Accept.
type PipeTransport struct {
	mu       sync.Mutex
	dialErr  error
	dials    int
	accepted chan *PipeConn
}

// NewPipeTransport returns a transport whose dials succeed until
// SetDialError says otherwise.
func NewPipeTransport() *PipeTransport {
	return &PipeTransport{accepted: make(chan *PipeConn, 16)}
}

// SetDialError makes subsequent dials fail with err; nil restores success.
func (t *PipeTransport) SetDialError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// Dials returns how many dials were attempted.
func (t *PipeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *PipeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}

	local, remote := Pipe()
	select {
	case t.accepted <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the far end of the next successful dial.
func (t *PipeTransport) Accept(ctx context.Context) (*PipeConn, error) {
	select {
	case c := <-t.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PipeConn is one end of an in-memory link. Closing either end closes both.
type PipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// Pipe returns the two connected ends of an in-memory link.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeState{closed: make(chan struct{})}
	return &PipeConn{in: ba, out: ab, shared: shared}, &PipeConn{in: ab, out: ba, shared: shared}
}

func (c *PipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.shared.closed:
		return nil, io.EOF
	}
}

func (c *PipeConn) WriteFrame(data []byte) error {
	select {
	case <-c.shared.closed:
		return ErrPipeClosed
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case c.out <- buf:
		return nil
	case <-c.shared.closed:
		return ErrPipeClosed
	}
}

func (c *PipeConn) Close() error {
	c.shared.once.Do(func() { close(c.shared.closed) })
	return nil
}

// Closed is closed once either end has been closed.
func (c *PipeConn) Closed() <-chan struct{} {
	return c.shared.closed
}
