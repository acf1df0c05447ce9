package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkSpy struct {
	cost      float64
	thoughts  int
	completed int
	failed    int
}

func (s *sinkSpy) RecordCompletion(cost float64, thoughts int) {
	s.cost += cost
	s.thoughts += thoughts
	s.completed++
}

func (s *sinkSpy) RecordFailure(thoughts int) {
	s.thoughts += thoughts
	s.failed++
}

func newRegistry() (*Registry, *sinkSpy) {
	spy := &sinkSpy{}
	return New(spy, zerolog.Nop()), spy
}

func score(v float64) *float64 { return &v }

func TestPredecessorBeforeItsOwnStart(t *testing.T) {
	r, _ := newRegistry()

	out, err := r.BeginOperation("n1", "Score", nil, []string{"n0"})
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, []string{"n0"}, out.Placeholders)
	assert.Equal(t, []string{"n0", "n1"}, out.Touched)

	n0, ok := r.Node("n0")
	require.True(t, ok)
	assert.Equal(t, core.NodePending, n0.State)

	n1, ok := r.Node("n1")
	require.True(t, ok)
	assert.Equal(t, core.NodeExecuting, n1.State)
	assert.Equal(t, []string{"n0"}, n1.PredecessorIDs)

	// The placeholder is upgraded once its own start arrives.
	out, err = r.BeginOperation("n0", "Generate", map[string]any{"k": 3}, nil)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Empty(t, out.Placeholders)

	n0, _ = r.Node("n0")
	assert.Equal(t, core.NodeExecuting, n0.State)
	assert.Equal(t, "Generate", n0.Type)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []core.Edge{{From: "n0", To: "n1"}}, r.Edges())
	assert.Equal(t, []string{"n0"}, r.Roots())
}

func TestDuplicateStart(t *testing.T) {
	r, _ := newRegistry()
	params := map[string]any{"num_branches": float64(3)}

	_, err := r.BeginOperation("n1", "Generate", params, []string{"n0"})
	require.NoError(t, err)

	out, err := r.BeginOperation("n1", "Generate", map[string]any{"num_branches": float64(3)}, []string{"n0"})
	require.NoError(t, err)
	assert.False(t, out.Changed)

	_, err = r.BeginOperation("n1", "Generate", map[string]any{"num_branches": float64(5)}, []string{"n0"})
	var perr *core.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "n1", perr.NodeID)

	n1, _ := r.Node("n1")
	assert.Equal(t, float64(3), n1.Parameters["num_branches"])
}

func TestCompleteIsIdempotent(t *testing.T) {
	r, spy := newRegistry()
	_, err := r.BeginOperation("n1", "Generate", nil, nil)
	require.NoError(t, err)

	thoughts := []protocol.Thought{{Text: "a", Score: score(0.3)}, {Text: "b"}}
	out, err := r.CompleteOperation("n1", thoughts, 0.02, 150, score(0.3))
	require.NoError(t, err)
	assert.True(t, out.Changed)

	before := r.Nodes()
	out, err = r.CompleteOperation("n1", []protocol.Thought{{Text: "a", Score: score(0.3)}, {Text: "b"}}, 0.02, 150, score(0.3))
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Equal(t, before, r.Nodes())

	assert.Equal(t, 0.02, spy.cost)
	assert.Equal(t, 1, spy.completed)
	assert.Equal(t, 2, spy.thoughts)
}

func TestCompleteRequiresExecuting(t *testing.T) {
	r, spy := newRegistry()

	_, err := r.CompleteOperation("ghost", nil, 0.1, 1, nil)
	assert.ErrorIs(t, err, core.ErrStaleEvent)
	assert.Equal(t, 0, r.Len())

	r.EnsureNode("n0")
	_, err = r.CompleteOperation("n0", nil, 0.1, 1, nil)
	assert.ErrorIs(t, err, core.ErrStaleEvent)

	_, err = r.BeginOperation("n1", "Generate", nil, nil)
	require.NoError(t, err)
	_, err = r.CompleteOperation("n1", nil, 0.1, 1, nil)
	require.NoError(t, err)

	// A completion with different figures for a completed node is stale.
	_, err = r.CompleteOperation("n1", nil, 0.5, 1, nil)
	assert.ErrorIs(t, err, core.ErrStaleEvent)

	_, err = r.CompleteOperation("n1", nil, -1, 1, nil)
	var perr *core.ProtocolError
	assert.ErrorAs(t, err, &perr)

	assert.Equal(t, 0.1, spy.cost)
}

func TestFailDoesNotCascade(t *testing.T) {
	r, spy := newRegistry()
	_, err := r.BeginOperation("n1", "Generate", nil, nil)
	require.NoError(t, err)
	_, err = r.BeginOperation("n2", "Score", nil, []string{"n1"})
	require.NoError(t, err)

	out, err := r.FailOperation("n1", "timeout")
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, out.Touched)

	n1, _ := r.Node("n1")
	n2, _ := r.Node("n2")
	assert.Equal(t, core.NodeError, n1.State)
	assert.Equal(t, "timeout", n1.ErrorMessage)
	assert.Equal(t, core.NodeExecuting, n2.State)

	_, err = r.CompleteOperation("n2", nil, 0.01, 5, nil)
	require.NoError(t, err)

	// No transition out of a terminal state.
	_, err = r.CompleteOperation("n1", nil, 0.01, 5, nil)
	assert.ErrorIs(t, err, core.ErrStaleEvent)
	_, err = r.FailOperation("n2", "late")
	assert.ErrorIs(t, err, core.ErrStaleEvent)
	_, err = r.BeginOperation("n1", "Generate", map[string]any{"retry": true}, nil)
	assert.Error(t, err)

	// Duplicate failure delivery is a no-op.
	out, err = r.FailOperation("n1", "timeout")
	require.NoError(t, err)
	assert.False(t, out.Changed)

	assert.Equal(t, 1, spy.failed)
	assert.Equal(t, 1, spy.completed)
}

func TestCyclePredecessorIgnored(t *testing.T) {
	r, _ := newRegistry()

	_, err := r.BeginOperation("b", "Score", nil, []string{"a"})
	require.NoError(t, err)
	_, err = r.BeginOperation("c", "KeepBest", nil, []string{"b"})
	require.NoError(t, err)

	// a -> b -> c already; a claiming c as predecessor would close a cycle.
	out, err := r.BeginOperation("a", "Generate", nil, []string{"c", "root"})
	require.NoError(t, err)
	require.Len(t, out.Problems, 1)
	assert.Contains(t, out.Problems[0].Error(), "predecessor c")

	a, _ := r.Node("a")
	assert.Equal(t, []string{"root"}, a.PredecessorIDs)
	assert.Equal(t, core.NodeExecuting, a.State)

	out, err = r.BeginOperation("self", "Generate", nil, []string{"self"})
	require.NoError(t, err)
	assert.Len(t, out.Problems, 1)
	selfNode, _ := r.Node("self")
	assert.Empty(t, selfNode.PredecessorIDs)
}

func TestCountsAndPermanentPlaceholder(t *testing.T) {
	r, _ := newRegistry()
	_, err := r.BeginOperation("n1", "Score", nil, []string{"never-started"})
	require.NoError(t, err)
	_, err = r.CompleteOperation("n1", nil, 0, 0, nil)
	require.NoError(t, err)

	counts := r.Counts()
	assert.Equal(t, 1, counts[core.NodePending])
	assert.Equal(t, 1, counts[core.NodeCompleted])
	assert.Equal(t, 0, counts[core.NodeExecuting])

	r.Reset()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Nodes())
}

// For consistent event sequences the node count equals the number of
// distinct ids mentioned as creators or predecessors, and the reported cost
// never decreases.
func TestNodeCountAndCostMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		r, spy := newRegistry()
		mentioned := map[string]bool{}
		var started []string

		for i := 0; i < 30; i++ {
			id := fmt.Sprintf("n%d", rng.Intn(40))
			var preds []string
			for j := 0; j < rng.Intn(3); j++ {
				preds = append(preds, fmt.Sprintf("n%d", rng.Intn(40)))
			}

			mentioned[id] = true
			if _, err := r.BeginOperation(id, "Generate", nil, preds); err != nil {
				// conflicting restart of a known node: rejected wholesale
				continue
			}
			started = append(started, id)
			for _, p := range preds {
				mentioned[p] = true
			}
		}
		require.Equal(t, len(mentioned), r.Len(), "round %d", round)

		last := 0.0
		order := rng.Perm(len(started))
		for _, i := range order {
			id := started[i]
			if rng.Intn(4) == 0 {
				_, _ = r.FailOperation(id, "boom")
			} else {
				_, err := r.CompleteOperation(id, []protocol.Thought{{Text: id}}, rng.Float64()/10, 1, nil)
				if err != nil {
					require.True(t, errors.Is(err, core.ErrStaleEvent))
				}
			}
			require.GreaterOrEqual(t, spy.cost, last)
			last = spy.cost
		}
		require.Equal(t, len(mentioned), r.Len())
	}
}
