// Package nodes implements the operations of the development workflow. Each
// operation announces itself, honours the pause gate, produces thoughts and
// reports its cost through an Emitter, the same way a real execution backend
// would.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gotsync/gotsync/pkg/protocol"
)

// Operation types reported in operation_start.
const (
	TypeGenerate  = "Generate"
	TypeScore     = "Score"
	TypeKeepBest  = "KeepBestN"
	TypeAggregate = "Aggregate"
)

// Node states reported by get_node_details.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// errOperationFailed marks an operation that reported operation_error. The
// workflow keeps going without its thoughts.
var errOperationFailed = errors.New("operation failed")

// Emitter receives every event an execution produces, in order.
type Emitter interface {
	Emit(name protocol.Name, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(name protocol.Name, payload any)

func (f EmitterFunc) Emit(name protocol.Name, payload any) { f(name, payload) }

// Settings tune how the tracker simulates work.
type Settings struct {
	// StepDelay is how long each operation takes.
	StepDelay time.Duration
	// CostPerThought is charged for every thought an operation returns.
	CostPerThought float64
	// Debug enables debug_info events.
	Debug bool
	// FailOperations lists operation ids that report operation_error.
	FailOperations []string
}

// Tracker runs operations for one execution and keeps their details.
type Tracker struct {
	emit     Emitter
	gate     *Gate
	settings Settings
	failOn   map[string]bool
	started  time.Time

	mu       sync.Mutex
	details  map[string]*protocol.NodeDetails
	total    float64
	ops      int
	thoughts int
	scores   []float64
}

// NewTracker creates a tracker emitting to emit. gate may be nil.
func NewTracker(emit Emitter, gate *Gate, settings Settings) *Tracker {
	if gate == nil {
		gate = NewGate()
	}
	failOn := make(map[string]bool, len(settings.FailOperations))
	for _, id := range settings.FailOperations {
		failOn[id] = true
	}
	return &Tracker{
		emit:     emit,
		gate:     gate,
		settings: settings,
		failOn:   failOn,
		started:  time.Now(),
		details:  make(map[string]*protocol.NodeDetails),
	}
}

// Details returns a copy of the node's details.
func (t *Tracker) Details(id string) (protocol.NodeDetails, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.details[id]
	if !ok {
		return protocol.NodeDetails{}, false
	}
	return *d, true
}

// NodeIDs lists the ids of every operation started so far.
func (t *Tracker) NodeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.details))
	for id := range t.details {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Summary is the execution_completed payload for the work done so far.
func (t *Tracker) Summary() protocol.ExecutionCompleted {
	t.mu.Lock()
	defer t.mu.Unlock()
	return protocol.ExecutionCompleted{
		OperationsCount: t.ops,
		ThoughtsCount:   t.thoughts,
		TotalCost:       t.total,
		ExecutionTimeMs: millis(time.Since(t.started)),
	}
}

// Performance is the performance_metrics payload for the work done so far.
func (t *Tracker) Performance() protocol.PerformanceMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	avg := 0.0
	if len(t.scores) > 0 {
		for _, s := range t.scores {
			avg += s
		}
		avg /= float64(len(t.scores))
	}
	return protocol.PerformanceMetrics{
		ExecutionTimeMs: millis(time.Since(t.started)),
		OperationsCount: t.ops,
		ThoughtsCount:   t.thoughts,
		AvgScore:        avg,
	}
}

type operation struct {
	id     string
	typ    string
	preds  []string
	params map[string]any
}

// run executes one operation. fn produces the operation's thoughts.
func (t *Tracker) run(ctx context.Context, op operation, fn func() []protocol.Thought) ([]protocol.Thought, error) {
	if err := t.gate.Wait(ctx); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.details[op.id] = &protocol.NodeDetails{
		ID:           op.id,
		Type:         op.typ,
		State:        StateRunning,
		Parameters:   op.params,
		Predecessors: op.preds,
	}
	t.mu.Unlock()
	t.emit.Emit(protocol.NameOperationStart, protocol.OperationStarted{
		ID:           op.id,
		Type:         op.typ,
		Parameters:   op.params,
		Predecessors: op.preds,
	})

	start := time.Now()
	if err := sleep(ctx, t.settings.StepDelay); err != nil {
		return nil, err
	}
	if err := t.gate.Wait(ctx); err != nil {
		return nil, err
	}

	if t.failOn[op.id] {
		msg := fmt.Sprintf("%s operation %s failed", op.typ, op.id)
		t.mu.Lock()
		t.details[op.id].State = StateFailed
		t.details[op.id].Error = msg
		t.mu.Unlock()
		t.emit.Emit(protocol.NameOperationError, protocol.OperationFailed{ID: op.id, Error: msg})
		t.log("error", msg, op.id)
		return nil, errOperationFailed
	}

	thoughts := fn()
	elapsed := millis(time.Since(start))
	cost := t.settings.CostPerThought * float64(len(thoughts))
	maxScore := bestScore(thoughts)

	t.mu.Lock()
	d := t.details[op.id]
	d.State = StateCompleted
	d.Thoughts = thoughts
	d.Cost = cost
	d.ExecutionTimeMs = elapsed
	d.MaxScore = maxScore
	t.total += cost
	t.ops++
	t.thoughts += len(thoughts)
	total := t.total
	t.mu.Unlock()

	t.emit.Emit(protocol.NameOperationComplete, protocol.OperationCompleted{
		ID:              op.id,
		Thoughts:        thoughts,
		Cost:            cost,
		ExecutionTimeMs: elapsed,
		MaxScore:        maxScore,
	})
	if cost > 0 {
		t.emit.Emit(protocol.NameCostUpdate, protocol.CostUpdated{Current: cost, Total: total})
	}
	if t.settings.Debug {
		t.emit.Emit(protocol.NameDebugInfo, protocol.DebugInfo{
			Message: "operation finished",
			Data: map[string]any{
				"operation_id": op.id,
				"thoughts":     len(thoughts),
				"elapsed_ms":   elapsed,
			},
		})
	}
	return thoughts, nil
}

func (t *Tracker) recordScores(scores []float64) {
	t.mu.Lock()
	t.scores = append(t.scores, scores...)
	t.mu.Unlock()
}

func (t *Tracker) log(level, msg, opID string) {
	t.emit.Emit(protocol.NameLogMessage, protocol.LogMessage{
		Level:       level,
		Message:     msg,
		Timestamp:   float64(time.Now().UnixNano()) / float64(time.Second),
		OperationID: opID,
	})
}

func bestScore(thoughts []protocol.Thought) *float64 {
	var best *float64
	for _, th := range thoughts {
		if th.Score == nil {
			continue
		}
		if best == nil || *th.Score > *best {
			s := *th.Score
			best = &s
		}
	}
	return best
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
