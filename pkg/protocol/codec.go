package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// RawValue is an undecoded JSON value.
type RawValue = json.RawMessage

// Frame is the envelope every event travels in. ID is set on outbound
// commands that expect an acknowledgement and echoed back on the ack.
type Frame struct {
	Event Name     `json:"event"`
	ID    string   `json:"id,omitempty"`
	Data  RawValue `json:"data,omitempty"`
}

// EncodeFrame marshals payload into a frame for the given event name.
func EncodeFrame(name Name, id string, payload any) ([]byte, error) {
	frame := Frame{Event: name, ID: id}
	if payload != nil {
		data, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
		}
		frame.Data = data
	}
	out, err := sonic.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", name, err)
	}
	return out, nil
}

// DecodeFrame parses the envelope without interpreting its data.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("failed to unmarshal frame: %w", err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("frame has no event name")
	}
	return frame, nil
}

// Decode interprets the frame as an inbound event. Unknown names decode to
// Unknown without error; malformed or invalid payloads return an error.
func (f Frame) Decode() (Event, error) {
	switch f.Event {
	case NameConnected:
		return decodeEvent[Connected](f)
	case NameExecutionStarted:
		return decodeEvent[ExecutionStarted](f)
	case NameExecutionCompleted:
		return decodeEvent[ExecutionCompleted](f)
	case NameExecutionError:
		return decodeEvent[ExecutionFailed](f)
	case NameExecutionPaused:
		return decodeEvent[ExecutionPaused](f)
	case NameExecutionResumed:
		return decodeEvent[ExecutionResumed](f)
	case NameOperationStart:
		return decodeEvent[OperationStarted](f)
	case NameOperationComplete:
		return decodeEvent[OperationCompleted](f)
	case NameOperationError:
		return decodeEvent[OperationFailed](f)
	case NameCostUpdate:
		return decodeEvent[CostUpdated](f)
	case NamePerformanceMetrics:
		return decodeEvent[PerformanceMetrics](f)
	case NameDebugInfo:
		return decodeEvent[DebugInfo](f)
	case NameLogMessage:
		return decodeEvent[LogMessage](f)
	case NameThoughtsGenerated:
		return decodeEvent[ThoughtsGenerated](f)
	case NameThoughtsScored:
		return decodeEvent[ThoughtsScored](f)
	default:
		return Unknown{Name: f.Event, Data: f.Data}, nil
	}
}

// Ack interprets the frame as a command acknowledgement.
func (f Frame) Ack() (Ack, error) {
	if f.Event != NameAck {
		return Ack{}, fmt.Errorf("frame %s is not an ack", f.Event)
	}
	if f.ID == "" {
		return Ack{}, fmt.Errorf("ack without request id")
	}
	var ack Ack
	if hasData(f.Data) {
		if err := sonic.Unmarshal(f.Data, &ack); err != nil {
			return Ack{}, fmt.Errorf("failed to unmarshal ack: %w", err)
		}
	}
	return ack, nil
}

// DecodeResult unmarshals the result carried by a successful ack.
func DecodeResult[T any](ack Ack) (T, error) {
	var out T
	if !hasData(ack.Result) {
		return out, fmt.Errorf("ack carries no result")
	}
	if err := sonic.Unmarshal(ack.Result, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal ack result: %w", err)
	}
	return out, nil
}

// DecodePayload unmarshals the frame's data as T, e.g. an outbound command
// received by a backend.
func DecodePayload[T any](f Frame) (T, error) {
	var out T
	if !hasData(f.Data) {
		return out, nil
	}
	if err := sonic.Unmarshal(f.Data, &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal %s payload: %w", f.Event, err)
	}
	return out, nil
}

// EncodeAck builds the ack frame answering request id. A non-nil result is
// marshalled into the ack; a non-empty errMsg marks the command as rejected.
func EncodeAck(id string, result any, errMsg string) ([]byte, error) {
	ack := Ack{Success: errMsg == "", Error: errMsg}
	if result != nil {
		data, err := sonic.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ack result: %w", err)
		}
		ack.Result = data
	}
	return EncodeFrame(NameAck, id, ack)
}

func decodeEvent[T Event](f Frame) (Event, error) {
	var evt T
	if hasData(f.Data) {
		if err := sonic.Unmarshal(f.Data, &evt); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", f.Event, err)
		}
	}
	if err := evt.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", f.Event, err)
	}
	return evt, nil
}

func hasData(raw RawValue) bool {
	return len(raw) > 0 && string(raw) != "null"
}
