// ABOUTME: Gateway protocol frames exchanged over the WebSocket surface
// ABOUTME: Request/response/event frame types and an Encoder that wraps run events

package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/2389/clawd-gateway/internal/agent"
)

// Frame types
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client method call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    string     `json:"type"`
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// EventFrame carries one run event to the client.
type EventFrame struct {
	Type    string       `json:"type"`
	Event   string       `json:"event"`
	Seq     uint64       `json:"seq"`
	Payload EventPayload `json:"payload"`
}

// EventPayload identifies the run and carries the event body.
type EventPayload struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
}

// ParseRequestFrame decodes a client frame and checks its envelope.
func ParseRequestFrame(data []byte) (*RequestFrame, error) {
	var f RequestFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, InvalidRequest("malformed frame: %v", err)
	}
	if f.Type != FrameRequest {
		return nil, InvalidRequest("unexpected frame type %q", f.Type)
	}
	if f.ID == "" || f.Method == "" {
		return &f, InvalidRequest("frame requires id and method")
	}
	return &f, nil
}

// DecodeParams unmarshals the frame's params into v. Missing params leave
// v untouched.
func (f *RequestFrame) DecodeParams(v any) error {
	if len(f.Params) == 0 || string(f.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Params, v); err != nil {
		return InvalidRequest("invalid params for %s: %v", f.Method, err)
	}
	return nil
}

// OKResponse builds a successful response.
func OKResponse(id string, payload any) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// ErrorResponse builds a failed response with err's wire code.
func ErrorResponse(id string, err error) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: NewErrorBody(err)}
}

// NewEventFrame wraps a run event.
func NewEventFrame(sessionID string, ev *agent.Event) *EventFrame {
	return &EventFrame{
		Type:  FrameEvent,
		Event: "agent",
		Seq:   ev.Seq,
		Payload: EventPayload{
			RunID:     ev.RunID,
			SessionID: sessionID,
			Type:      string(ev.Kind),
			Data:      eventData(ev),
		},
	}
}

func eventData(ev *agent.Event) any {
	switch ev.Kind {
	case agent.EventTextDelta:
		return map[string]string{"text": ev.Text}
	case agent.EventToolUse:
		return ev.ToolUse
	case agent.EventToolResult:
		return ev.ToolResult
	case agent.EventUsage:
		return ev.Usage
	case agent.EventDone:
		return map[string]any{
			"text":     ev.Text,
			"usage":    ev.Usage,
			"metadata": ev.Metadata,
		}
	case agent.EventError:
		return NewErrorBody(ErrorFromEvent(ev))
	default:
		return nil
	}
}

// FrameWriter sends one JSON value to the client. *websocket.Conn
// satisfies it.
type FrameWriter interface {
	WriteJSON(v any) error
}

// FrameEncoder wraps run events into event frames.
type FrameEncoder struct {
	w         FrameWriter
	sessionID string
	runID     string
}

// NewFrameEncoder returns an Encoder for one run.
func NewFrameEncoder(w FrameWriter, sessionID, runID string) *FrameEncoder {
	return &FrameEncoder{w: w, sessionID: sessionID, runID: runID}
}

// Encode implements Encoder.
func (e *FrameEncoder) Encode(ev *agent.Event) error {
	if err := e.w.WriteJSON(NewEventFrame(e.sessionID, ev)); err != nil {
		return fmt.Errorf("writing event frame: %w", err)
	}
	return nil
}

// Abort implements Encoder.
func (e *FrameEncoder) Abort(err error) error {
	return e.w.WriteJSON(&EventFrame{
		Type:  FrameEvent,
		Event: "agent",
		Payload: EventPayload{
			RunID:     e.runID,
			SessionID: e.sessionID,
			Type:      string(agent.EventError),
			Data:      NewErrorBody(err),
		},
	})
}
