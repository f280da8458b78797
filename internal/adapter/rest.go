// ABOUTME: Native REST projection: synchronous chat collection and SSE streaming
// ABOUTME: Collects text deltas into a single response, or writes event/data SSE frames

package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/eventbus"
	"github.com/2389/clawd-gateway/internal/run"
)

// Delivery asks the gateway to forward the final response to a channel.
type Delivery struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
}

// ChatRequest is the JSON body of POST /agent/chat.
type ChatRequest struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Stream    bool      `json:"stream,omitempty"`
	Deliver   *Delivery `json:"deliver,omitempty"`
}

// ChatResponse is the JSON body returned by POST /agent/chat.
type ChatResponse struct {
	SessionID string         `json:"session_id"`
	Response  string         `json:"response"`
	Metadata  map[string]any `json:"metadata"`
}

// ParseChatRequest decodes and validates a ChatRequest.
func ParseChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, InvalidRequest("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, InvalidRequest("message is required")
	}
	if req.MaxTokens < 0 {
		return nil, InvalidRequest("max_tokens must not be negative")
	}
	if req.Deliver != nil && (req.Deliver.Channel == "" || req.Deliver.To == "") {
		return nil, InvalidRequest("deliver requires channel and to")
	}
	return &req, nil
}

// CollectChat consumes the run's primary subscription until the terminal
// event and returns the assembled response. A terminal error is returned
// as an error instead of partial text.
func CollectChat(ctx context.Context, h *run.Handle) (*ChatResponse, error) {
	sub := h.Events()
	var text strings.Builder

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, eventbus.ErrDropped) {
				return collectFromResult(ctx, h)
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: event stream ended early", agent.ErrEngineFailure)
			}
			return nil, err
		}

		switch ev.Kind {
		case agent.EventTextDelta:
			text.WriteString(ev.Text)
		case agent.EventDone:
			full := text.String()
			if full == "" {
				full = ev.Text
			}
			return &ChatResponse{
				SessionID: h.SessionID(),
				Response:  full,
				Metadata:  responseMetadata(h.ID(), ev.Metadata, ev.Usage),
			}, nil
		case agent.EventError:
			return nil, ErrorFromEvent(ev)
		}
	}
}

// collectFromResult falls back to the run's recorded outcome when the
// live subscription could not keep up.
func collectFromResult(ctx context.Context, h *run.Handle) (*ChatResponse, error) {
	res, err := h.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.State != run.StateCompleted {
		return nil, res.Err
	}
	return &ChatResponse{
		SessionID: res.SessionID,
		Response:  res.Text,
		Metadata:  responseMetadata(res.RunID, res.Metadata, res.Usage),
	}, nil
}

func responseMetadata(runID string, sessionMeta map[string]any, usage *agent.Usage) map[string]any {
	meta := map[string]any{"run_id": runID}
	for _, key := range []string{"model", "message_count"} {
		if v, ok := sessionMeta[key]; ok {
			meta[key] = v
		}
	}
	if usage != nil {
		meta["usage"] = usage
	}
	return meta
}

// SSEEncoder writes run events as named server-sent events.
type SSEEncoder struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEEncoder prepares w for an event stream. It returns false if w
// cannot flush.
func NewSSEEncoder(w http.ResponseWriter) (*SSEEncoder, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	SetSSEHeaders(w)
	return &SSEEncoder{w: w, flusher: flusher}, true
}

// SetSSEHeaders sets the headers shared by every event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Started writes the initial event identifying the session and run.
func (e *SSEEncoder) Started(sessionID, runID string) error {
	return e.write("started", map[string]string{"session_id": sessionID, "run_id": runID})
}

// Encode implements Encoder.
func (e *SSEEncoder) Encode(ev *agent.Event) error {
	name, data := sseEvent(ev)
	return e.write(name, data)
}

// Abort implements Encoder.
func (e *SSEEncoder) Abort(err error) error {
	return e.write("error", NewErrorBody(err))
}

func (e *SSEEncoder) write(event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling SSE data: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, dataJSON); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// sseEvent converts a run event to an SSE event name and payload.
func sseEvent(ev *agent.Event) (string, any) {
	switch ev.Kind {
	case agent.EventTextDelta:
		return "text", map[string]any{"text": ev.Text, "seq": ev.Seq}
	case agent.EventToolUse:
		if ev.ToolUse == nil {
			return "error", &ErrorBody{Code: CodeInternal, Message: "malformed tool_use event"}
		}
		return "tool_use", map[string]any{"id": ev.ToolUse.ID, "name": ev.ToolUse.Name, "input": ev.ToolUse.Input, "seq": ev.Seq}
	case agent.EventToolResult:
		if ev.ToolResult == nil {
			return "error", &ErrorBody{Code: CodeInternal, Message: "malformed tool_result event"}
		}
		return "tool_result", map[string]any{
			"id":       ev.ToolResult.ID,
			"name":     ev.ToolResult.Name,
			"output":   ev.ToolResult.Output,
			"is_error": ev.ToolResult.IsError,
			"seq":      ev.Seq,
		}
	case agent.EventUsage:
		return "usage", ev.Usage
	case agent.EventDone:
		return "done", map[string]any{
			"full_response": ev.Text,
			"metadata":      responseMetadata(ev.RunID, ev.Metadata, ev.Usage),
			"seq":           ev.Seq,
		}
	case agent.EventError:
		return "error", NewErrorBody(ErrorFromEvent(ev))
	default:
		return "unknown", map[string]any{"type": ev.Kind}
	}
}
