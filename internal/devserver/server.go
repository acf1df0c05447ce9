// Package devserver is a development execution backend speaking the event
// protocol over websockets. It runs the workflow in internal/nodes so that
// observers can be exercised end to end without a real backend.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/nodes"
	"github.com/rs/zerolog"
)

// Options configure the backend.
type Options struct {
	Addr           string
	StepDelay      time.Duration
	CostPerThought float64
	Plan           nodes.Plan
	Logger         zerolog.Logger
}

// DefaultOptions returns the settings used by the serve command.
func DefaultOptions() Options {
	return Options{
		Addr:           ":8765",
		StepDelay:      300 * time.Millisecond,
		CostPerThought: 0.002,
		Plan:           nodes.Plan{Prompt: "analyse the task", Branches: 3, Keep: 1},
		Logger:         zerolog.Nop(),
	}
}

// Server accepts observer connections on /ws.
type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) *Server {
	return &Server{
		opts: opts,
		log:  opts.Logger.With().Str("component", "devserver").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
}

// Handler serves the websocket endpoint and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.opts.Addr).Msg("Backend listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.closeSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Sessions returns the number of connected observers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sess := newSession(uuid.NewString(), connection.NewWebsocketConn(ws), s.opts, s.log)
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log.Info().Str("session_id", sess.id).Str("remote", r.RemoteAddr).Msg("Observer connected")

	sess.serve()

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.log.Info().Str("session_id", sess.id).Msg("Observer disconnected")
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.close()
	}
}
