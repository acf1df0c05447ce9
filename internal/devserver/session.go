package devserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/nodes"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
)

const outboxSize = 256

// session serves one observer. Reads happen on serve's goroutine, writes on
// writeLoop's; the running execution emits through the same outbox so the
// observer sees events in emission order.
type session struct {
	id   string
	conn connection.Conn
	opts Options
	log  zerolog.Logger

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	exec *execution
	last *nodes.Tracker
}

type execution struct {
	workflowID string
	cancel     context.CancelFunc
	gate       *nodes.Gate
	tracker    *nodes.Tracker
	stopped    atomic.Bool
}

func newSession(id string, conn connection.Conn, opts Options, log zerolog.Logger) *session {
	return &session{
		id:   id,
		conn: conn,
		opts: opts,
		log:  log.With().Str("session_id", id).Logger(),
		out:  make(chan []byte, outboxSize),
		done: make(chan struct{}),
	}
}

func (s *session) serve() {
	go s.writeLoop()
	s.emit(protocol.NameConnected, protocol.Connected{SessionID: s.id})

	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			s.log.Debug().Err(err).Msg("Read loop ended")
			break
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		s.handle(frame)
	}
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.exec != nil {
			s.exec.cancel()
		}
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.out:
			if err := s.conn.WriteFrame(data); err != nil {
				s.log.Warn().Err(err).Msg("Write failed, closing session")
				s.close()
				return
			}
		}
	}
}

func (s *session) enqueue(data []byte) {
	select {
	case s.out <- data:
	case <-s.done:
	}
}

func (s *session) emit(name protocol.Name, payload any) {
	data, err := protocol.EncodeFrame(name, "", payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(name)).Msg("Failed to encode event")
		return
	}
	s.enqueue(data)
}

// ack answers a command; commands sent without an id get no answer.
func (s *session) ack(id string, result any, errMsg string) {
	if id == "" {
		return
	}
	data, err := protocol.EncodeAck(id, result, errMsg)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode ack")
		return
	}
	s.enqueue(data)
}

func (s *session) handle(f protocol.Frame) {
	s.log.Debug().Str("event", string(f.Event)).Str("id", f.ID).Msg("Command received")
	switch f.Event {
	case protocol.NameExecuteWorkflow:
		s.execute(f)
	case protocol.NamePauseExecution:
		s.pause(f)
	case protocol.NameResumeExecution:
		s.resume(f)
	case protocol.NameStopExecution:
		s.stop(f)
	case protocol.NameGetNodeDetails:
		s.nodeDetails(f)
	case protocol.NameHeartbeat:
	default:
		s.log.Warn().Str("event", string(f.Event)).Msg("Unknown command")
		s.ack(f.ID, nil, fmt.Sprintf("unknown command %q", f.Event))
	}
}

func (s *session) execute(f protocol.Frame) {
	cmd, err := protocol.DecodePayload[protocol.ExecuteWorkflow](f)
	if err != nil {
		s.ack(f.ID, nil, err.Error())
		return
	}

	s.mu.Lock()
	if s.exec != nil {
		s.mu.Unlock()
		s.ack(f.ID, nil, "an execution is already running")
		return
	}
	plan := nodes.PlanFromInputs(cmd.Inputs, s.opts.Plan)
	gate := nodes.NewGate()
	tracker := nodes.NewTracker(nodes.EmitterFunc(s.emit), gate, nodes.Settings{
		StepDelay:      s.opts.StepDelay,
		CostPerThought: s.opts.CostPerThought,
		Debug:          cmd.Options.EnableDebug,
		FailOperations: stringList(cmd.Inputs["fail_operations"]),
	})

	var ctx context.Context
	var cancel context.CancelFunc
	if cmd.Options.TimeoutMs > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), msDuration(cmd.Options.TimeoutMs))
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	exec := &execution{workflowID: cmd.WorkflowID, cancel: cancel, gate: gate, tracker: tracker}
	s.exec = exec
	s.last = tracker
	s.mu.Unlock()

	s.ack(f.ID, map[string]any{"session_id": s.id, "workflow_id": cmd.WorkflowID}, "")
	go s.run(ctx, exec, plan, cmd.Options.TimeoutMs)
}

func (s *session) run(ctx context.Context, exec *execution, plan nodes.Plan, timeoutMs int64) {
	defer func() {
		exec.cancel()
		s.mu.Lock()
		if s.exec == exec {
			s.exec = nil
		}
		s.mu.Unlock()
	}()

	log := s.log.With().Str("workflow_id", exec.workflowID).Logger()
	log.Info().Int("branches", plan.Branches).Msg("Execution started")
	s.emit(protocol.NameExecutionStarted, protocol.ExecutionStarted{
		WorkflowID:      exec.workflowID,
		TotalOperations: plan.TotalOperations(),
	})

	runnable, err := nodes.Build(ctx, exec.tracker, plan)
	if err == nil {
		_, err = runnable.Invoke(ctx, nodes.Seed(plan))
	}

	switch {
	case exec.stopped.Load():
		log.Info().Msg("Execution stopped")
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Warn().Int64("timeout_ms", timeoutMs).Msg("Execution timed out")
		s.emit(protocol.NameExecutionError, protocol.ExecutionFailed{
			Error: fmt.Sprintf("execution timed out after %dms", timeoutMs),
		})
	case err != nil:
		log.Error().Err(err).Msg("Execution failed")
		s.emit(protocol.NameExecutionError, protocol.ExecutionFailed{Error: err.Error()})
	default:
		summary := exec.tracker.Summary()
		log.Info().Float64("total_cost", summary.TotalCost).Int("operations", summary.OperationsCount).Msg("Execution completed")
		s.emit(protocol.NamePerformanceMetrics, exec.tracker.Performance())
		s.emit(protocol.NameExecutionCompleted, summary)
	}
}

func (s *session) current() *execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exec
}

func (s *session) pause(f protocol.Frame) {
	exec := s.current()
	switch {
	case exec == nil:
		s.ack(f.ID, nil, "no execution running")
	case !exec.gate.Pause():
		s.ack(f.ID, nil, "execution already paused")
	default:
		s.ack(f.ID, nil, "")
		s.emit(protocol.NameExecutionPaused, protocol.ExecutionPaused{})
	}
}

func (s *session) resume(f protocol.Frame) {
	exec := s.current()
	switch {
	case exec == nil:
		s.ack(f.ID, nil, "no execution running")
	case !exec.gate.Resume():
		s.ack(f.ID, nil, "execution is not paused")
	default:
		s.ack(f.ID, nil, "")
		s.emit(protocol.NameExecutionResumed, protocol.ExecutionResumed{})
	}
}

// stop cancels the execution. The observer learns about it from the ack
// alone; no further run events follow.
func (s *session) stop(f protocol.Frame) {
	s.mu.Lock()
	exec := s.exec
	s.exec = nil
	s.mu.Unlock()

	if exec == nil {
		s.ack(f.ID, nil, "no execution running")
		return
	}
	exec.stopped.Store(true)
	exec.cancel()
	s.ack(f.ID, nil, "")
}

func (s *session) nodeDetails(f protocol.Frame) {
	req, err := protocol.DecodePayload[protocol.NodeDetailsRequest](f)
	if err != nil {
		s.ack(f.ID, nil, err.Error())
		return
	}
	s.mu.Lock()
	tracker := s.last
	s.mu.Unlock()

	if tracker == nil {
		s.ack(f.ID, nil, "no execution found")
		return
	}
	details, ok := tracker.Details(req.NodeID)
	if !ok {
		s.ack(f.ID, nil, fmt.Sprintf("node %q not found", req.NodeID))
		return
	}
	s.ack(f.ID, details, "")
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
