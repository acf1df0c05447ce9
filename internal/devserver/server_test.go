package devserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gotsync/gotsync/internal/client"
	"github.com/gotsync/gotsync/internal/connection"
	"github.com/gotsync/gotsync/internal/core"
	"github.com/gotsync/gotsync/internal/nodes"
	"github.com/gotsync/gotsync/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	ctx    context.Context
	srv    *Server
	client *client.Client
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	opts := DefaultOptions()
	opts.StepDelay = delay
	opts.CostPerThought = 0.01
	opts.Plan = nodes.Plan{Prompt: "test", Branches: 2, Keep: 1}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	transport := &connection.WebsocketTransport{URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
	c := client.New(transport, client.Options{Connection: connection.DefaultOptions(), MaxCost: 1, Logger: zerolog.Nop()})
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(c.Close)

	h := &harness{ctx: ctx, srv: srv, client: c}
	require.Eventually(t, func() bool {
		sess, err := c.Session(ctx)
		return err == nil && sess.ID != ""
	}, 5*time.Second, 10*time.Millisecond)
	return h
}

func (h *harness) state(t *testing.T) core.RunState {
	t.Helper()
	snap, err := h.client.Snapshot(h.ctx)
	require.NoError(t, err)
	return snap.Run.State
}

func (h *harness) waitState(t *testing.T, want core.RunState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.state(t) == want }, 5*time.Second, 10*time.Millisecond, "waiting for %s", want)
}

func (h *harness) execute(t *testing.T, inputs map[string]any, opts protocol.ExecuteOptions) {
	t.Helper()
	fut, err := h.client.Execute(h.ctx, protocol.ExecuteWorkflow{WorkflowID: "wf", Inputs: inputs, Options: opts})
	require.NoError(t, err)
	ack, err := fut.Wait(h.ctx)
	require.NoError(t, err)
	assert.True(t, ack.Success)
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(New(DefaultOptions()).Handler())
	defer ts.Close()
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestExecutionRunsToCompletion(t *testing.T) {
	h := newHarness(t, 0)
	assert.Equal(t, 1, h.srv.Sessions())

	h.execute(t, map[string]any{"question": "what next"}, protocol.ExecuteOptions{MaxCost: 1})
	h.waitState(t, core.RunCompleted)

	snap, err := h.client.Snapshot(h.ctx)
	require.NoError(t, err)
	// generate, score_0, score_1, keep_best, aggregate
	assert.Len(t, snap.Nodes, 5)
	assert.Equal(t, 5, snap.Counts[core.NodeCompleted])
	assert.Contains(t, snap.Edges, core.Edge{From: "score_1", To: "keep_best"})
	// 2 generated + 2 scored + 1 kept + 1 aggregated
	assert.InDelta(t, 0.06, snap.Totals.TotalCost, 1e-9)
	assert.Equal(t, 6, snap.Run.ThoughtsCount)

	fut, err := h.client.NodeDetails(h.ctx, "keep_best")
	require.NoError(t, err)
	details, err := fut.Wait(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "KeepBestN", details.Type)
	assert.Equal(t, []string{"score_0", "score_1"}, details.Predecessors)

	fut, err = h.client.NodeDetails(h.ctx, "missing")
	require.NoError(t, err)
	_, err = fut.Wait(h.ctx)
	var cmdErr *core.CommandError
	assert.ErrorAs(t, err, &cmdErr)
}

func TestPauseResumeStop(t *testing.T) {
	h := newHarness(t, 200*time.Millisecond)
	h.execute(t, nil, protocol.ExecuteOptions{})
	h.waitState(t, core.RunRunning)

	fut, err := h.client.Pause(h.ctx)
	require.NoError(t, err)
	_, err = fut.Wait(h.ctx)
	require.NoError(t, err)
	h.waitState(t, core.RunPaused)

	fut, err = h.client.Resume(h.ctx)
	require.NoError(t, err)
	_, err = fut.Wait(h.ctx)
	require.NoError(t, err)
	h.waitState(t, core.RunRunning)

	fut, err = h.client.Stop(h.ctx)
	require.NoError(t, err)
	_, err = fut.Wait(h.ctx)
	require.NoError(t, err)
	h.waitState(t, core.RunStopped)

	// the backend accepts a new run straight away
	h.execute(t, nil, protocol.ExecuteOptions{})
}

func TestExecutionErrors(t *testing.T) {
	h := newHarness(t, 0)
	h.execute(t, map[string]any{"fail_operations": []any{"score_0", "score_1"}}, protocol.ExecuteOptions{})
	h.waitState(t, core.RunError)

	snap, err := h.client.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Run.Error, "no thoughts survived scoring")
	assert.Equal(t, 2, snap.Counts[core.NodeError])
}

func TestExecutionTimeout(t *testing.T) {
	h := newHarness(t, time.Second)
	h.execute(t, nil, protocol.ExecuteOptions{TimeoutMs: 50})
	h.waitState(t, core.RunError)

	snap, err := h.client.Snapshot(h.ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Run.Error, "timed out")
}
