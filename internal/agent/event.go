// ABOUTME: Tagged-variant Event emitted by engines and fanned out by the event bus
// ABOUTME: Includes payload types for tool calls, tool results, usage, and errors

package agent

import (
	"errors"
	"time"
)

// Engine errors
var (
	ErrEngineFailure = errors.New("engine failure")
	ErrCancelled     = errors.New("run cancelled")
)

// Error codes carried by terminal error events.
const (
	CodeEngineFailure = "ENGINE_FAILURE"
	CodeCancelled     = "CANCELLED"
)

// EventKind identifies the variant of an Event.
type EventKind string

const (
	EventTextDelta  EventKind = "text_delta"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventUsage      EventKind = "usage"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// Terminal reports whether the kind ends a run's event stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// Event is one unit of run output.
type Event struct {
	Kind       EventKind      `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	Seq        uint64         `json:"seq"`
	Text       string         `json:"text,omitempty"`
	ToolUse    *ToolUse       `json:"tool_use,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// ToolUse is a tool invocation requested by the agent.
type ToolUse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // JSON-encoded arguments
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 *Usage) {
	if u2 == nil {
		return
	}
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
}

// ErrorInfo describes why a run failed.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TextDelta builds an EventTextDelta.
func TextDelta(text string) *Event {
	return &Event{Kind: EventTextDelta, Text: text}
}

// ToolUseEvent builds an EventToolUse.
func ToolUseEvent(id, name, input string) *Event {
	return &Event{Kind: EventToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultEvent builds an EventToolResult.
func ToolResultEvent(id, name, output string, isError bool) *Event {
	return &Event{Kind: EventToolResult, ToolResult: &ToolResult{ID: id, Name: name, Output: output, IsError: isError}}
}

// UsageEvent builds an EventUsage.
func UsageEvent(prompt, completion int) *Event {
	return &Event{Kind: EventUsage, Usage: &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}}
}

// Done builds an EventDone. text may be empty when the response was streamed as deltas.
func Done(text string) *Event {
	return &Event{Kind: EventDone, Text: text}
}

// Failure builds an EventError.
func Failure(code, message string) *Event {
	return &Event{Kind: EventError, Error: &ErrorInfo{Code: code, Message: message}}
}
