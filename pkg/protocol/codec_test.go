package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInboundEvents(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "connected",
			raw:  `{"event":"connected","data":{"session_id":"s-1"}}`,
			want: Connected{SessionID: "s-1"},
		},
		{
			name: "execution started without data",
			raw:  `{"event":"execution_started"}`,
			want: ExecutionStarted{},
		},
		{
			name: "operation start ignores unknown fields",
			raw:  `{"event":"operation_start","data":{"id":"n1","type":"Generate","parameters":{"k":2},"predecessors":["n0"],"start_time":12.5}}`,
			want: OperationStarted{ID: "n1", Type: "Generate", Parameters: map[string]any{"k": float64(2)}, Predecessors: []string{"n0"}},
		},
		{
			name: "operation error",
			raw:  `{"event":"operation_error","data":{"id":"n2","error":"timeout","error_type":"execution_error"}}`,
			want: OperationFailed{ID: "n2", Error: "timeout"},
		},
		{
			name: "cost update",
			raw:  `{"event":"cost_update","data":{"current":0.02,"total":0.02}}`,
			want: CostUpdated{Current: 0.02, Total: 0.02},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tt.raw))
			require.NoError(t, err)

			evt, err := frame.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, evt)
		})
	}
}

func TestDecodeOperationCompleteKeepsOptionalScore(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"event":"operation_complete","data":{"id":"n1","thoughts":[{"text":"a","score":0.4},{"text":"b"}],"cost":0.02,"executionTimeMs":120,"maxScore":0.4}}`))
	require.NoError(t, err)

	evt, err := frame.Decode()
	require.NoError(t, err)

	done, ok := evt.(OperationCompleted)
	require.True(t, ok)
	require.Len(t, done.Thoughts, 2)
	require.NotNil(t, done.Thoughts[0].Score)
	assert.InDelta(t, 0.4, *done.Thoughts[0].Score, 1e-9)
	assert.Nil(t, done.Thoughts[1].Score)
	require.NotNil(t, done.MaxScore)
	assert.Equal(t, 0.02, done.Cost)
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"event":"operation_start","data":{"type":"Generate"}}`,
		`{"event":"operation_start","data":{"id":"n1"}}`,
		`{"event":"execution_error","data":{}}`,
		`{"event":"operation_complete","data":{"id":"n1","cost":-1}}`,
		`{"event":"operation_complete","data":{"id":"n1","thoughts":[{"text":"x","score":1.5}]}}`,
		`{"event":"connected","data":{}}`,
		`{"event":"cost_update","data":"not an object"}`,
	} {
		frame, err := DecodeFrame([]byte(raw))
		require.NoError(t, err, raw)

		_, err = frame.Decode()
		assert.Error(t, err, raw)
	}
}

func TestDecodeUnknownEventIsNotFatal(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"event":"graph_relayout","data":{"x":1}}`))
	require.NoError(t, err)

	evt, err := frame.Decode()
	require.NoError(t, err)

	unknown, ok := evt.(Unknown)
	require.True(t, ok)
	assert.Equal(t, Name("graph_relayout"), unknown.EventName())
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFrame([]byte(`{"data":{}}`))
	assert.Error(t, err)
}

func TestEncodeCommandAndAck(t *testing.T) {
	raw, err := EncodeFrame(NameExecuteWorkflow, "req-1", ExecuteWorkflow{
		WorkflowID: "risk_analysis",
		SessionID:  "s-1",
		Options:    ExecuteOptions{MaxCost: 1.5, TimeoutMs: 60000},
	})
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, NameExecuteWorkflow, frame.Event)
	assert.Equal(t, "req-1", frame.ID)
	assert.Contains(t, string(frame.Data), `"workflow_id":"risk_analysis"`)

	ackRaw, err := EncodeAck("req-1", NodeDetails{ID: "n1", State: "completed", Cost: 0.5}, "")
	require.NoError(t, err)

	ackFrame, err := DecodeFrame(ackRaw)
	require.NoError(t, err)
	ack, err := ackFrame.Ack()
	require.NoError(t, err)
	assert.True(t, ack.Success)

	details, err := DecodeResult[NodeDetails](ack)
	require.NoError(t, err)
	assert.Equal(t, "n1", details.ID)
	assert.Equal(t, 0.5, details.Cost)
}

func TestAckRejection(t *testing.T) {
	raw, err := EncodeAck("req-9", nil, "no such node")
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	ack, err := frame.Ack()
	require.NoError(t, err)
	assert.False(t, ack.Success)
	assert.Equal(t, "no such node", ack.Error)

	_, err = DecodeResult[NodeDetails](ack)
	assert.Error(t, err)

	_, err = Frame{Event: NameConnected, ID: "x"}.Ack()
	assert.Error(t, err)
}
