// ABOUTME: OpenAI-compatible chat completions projection of runs
// ABOUTME: Request parsing, chat.completion responses, and chat.completion.chunk streaming

package adapter

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/run"
	"github.com/2389/clawd-gateway/internal/session"
)

// Model names that resolve to the gateway's default model.
var defaultModelAliases = []string{"model", "default", "auto"}

// OpenAIMessage is one chat message. Content may be a string or an
// array of content parts; only text parts are kept.
type OpenAIMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Name    string         `json:"name,omitempty"`
}

// MessageContent is the flattened text of a message's content.
type MessageContent string

// UnmarshalJSON accepts a plain string, null, or an array of
// {"type":"text","text":...} parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent(s)
		return nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of parts: %w", err)
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	*c = MessageContent(b.String())
	return nil
}

// OpenAIChatRequest is the body of POST /v1/chat/completions.
type OpenAIChatRequest struct {
	Model               string          `json:"model"`
	Messages            []OpenAIMessage `json:"messages"`
	Stream              bool            `json:"stream,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	User                string          `json:"user,omitempty"`
}

// PreparedChat is an OpenAI request converted to coordinator inputs.
type PreparedChat struct {
	ID        string
	SessionID string
	Model     string // as requested, echoed back in responses
	Input     string
	Options   run.Options
}

// ParseOpenAIRequest decodes an OpenAI chat request.
func ParseOpenAIRequest(r io.Reader) (*OpenAIChatRequest, error) {
	var req OpenAIChatRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, InvalidRequest("invalid JSON body: %v", err)
	}
	return &req, nil
}

// ResolveModel maps an alias to defaultModel and checks the result
// against the known model list. An empty list accepts any model.
func ResolveModel(requested, defaultModel string, known []string) (string, error) {
	model := requested
	if model == "" || slices.Contains(defaultModelAliases, model) {
		model = defaultModel
	}
	if len(known) > 0 && model != "" && !slices.Contains(known, model) {
		return "", fmt.Errorf("%w: %s", ErrModelNotFound, requested)
	}
	return model, nil
}

// Prepare validates req and splits its messages into prior history and
// the final user input. The request is stateless: history comes from
// the messages, not from the session.
func (req *OpenAIChatRequest) Prepare(defaultModel string, known []string) (*PreparedChat, error) {
	if len(req.Messages) == 0 {
		return nil, InvalidRequest("messages must not be empty")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(session.RoleUser) {
		return nil, InvalidRequest("last message must have role user")
	}
	if strings.TrimSpace(string(last.Content)) == "" {
		return nil, InvalidRequest("last user message must not be empty")
	}

	model, err := ResolveModel(req.Model, defaultModel, known)
	if err != nil {
		return nil, err
	}

	history := make([]session.Turn, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role, ok := openAIRole(m.Role)
		if !ok {
			continue
		}
		history = append(history, session.Turn{Role: role, Content: string(m.Content)})
	}

	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens > 0 {
		maxTokens = req.MaxCompletionTokens
	}
	if maxTokens < 0 {
		return nil, InvalidRequest("max_tokens must not be negative")
	}

	sessionID := req.User
	if sessionID == "" {
		sessionID = "openai-compat-" + randomHex(4)
	}

	echoed := req.Model
	if echoed == "" {
		echoed = model
	}

	return &PreparedChat{
		ID:        NewCompletionID(),
		SessionID: sessionID,
		Model:     echoed,
		Input:     string(last.Content),
		Options: run.Options{
			Model:     model,
			MaxTokens: maxTokens,
			Stateless: true,
			History:   history,
		},
	}, nil
}

func openAIRole(role string) (session.Role, bool) {
	switch role {
	case "system", "developer":
		return session.RoleSystem, true
	case "user":
		return session.RoleUser, true
	case "assistant":
		return session.RoleAssistant, true
	default:
		return "", false
	}
}

// NewCompletionID returns a chatcmpl-<24 hex> identifier.
func NewCompletionID() string {
	return "chatcmpl-" + randomHex(12)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// OpenAIUsage is OpenAI's token accounting object.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIChoice is one choice of a non-streaming completion.
type OpenAIChoice struct {
	Index        int                   `json:"index"`
	Message      OpenAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// OpenAIResponseMessage is the assistant message of a completion.
type OpenAIResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIChatResponse is a chat.completion object.
type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

// CompletionFromResult builds a chat.completion from a completed run.
// Missing usage is estimated at four characters per token.
func CompletionFromResult(p *PreparedChat, res *run.Result) *OpenAIChatResponse {
	usage := OpenAIUsage{}
	if res.Usage != nil && res.Usage.TotalTokens > 0 {
		usage = OpenAIUsage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
	} else {
		usage.PromptTokens = estimateTokens(p.Input)
		for _, t := range p.Options.History {
			usage.PromptTokens += estimateTokens(t.Content)
		}
		usage.CompletionTokens = estimateTokens(res.Text)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &OpenAIChatResponse{
		ID:      p.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   p.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      OpenAIResponseMessage{Role: "assistant", Content: res.Text},
			FinishReason: "stop",
		}},
		Usage: usage,
	}
}

func estimateTokens(s string) int {
	return len(s) / 4
}

// OpenAIChunk is a chat.completion.chunk object.
type OpenAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []OpenAIChunkChoice `json:"choices"`
	Usage   *OpenAIUsage        `json:"usage,omitempty"`
}

// OpenAIChunkChoice is one choice of a streaming chunk.
type OpenAIChunkChoice struct {
	Index        int              `json:"index"`
	Delta        OpenAIChunkDelta `json:"delta"`
	FinishReason *string          `json:"finish_reason"`
}

// OpenAIChunkDelta is the incremental content of a chunk.
type OpenAIChunkDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIToolCall is a tool invocation, or its result when Output is set.
type OpenAIToolCall struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIToolFunction `json:"function"`
}

// OpenAIToolFunction names the function and carries its arguments.
type OpenAIToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ChunkEncoder streams run events as chat.completion.chunk SSE data lines.
type ChunkEncoder struct {
	w         io.Writer
	flusher   http.Flusher
	prepared  *PreparedChat
	created   int64
	started   bool
	toolIndex map[string]int
	usage     *agent.Usage
	completed int
}

// NewChunkEncoder prepares w for a streaming completion.
func NewChunkEncoder(w http.ResponseWriter, p *PreparedChat) (*ChunkEncoder, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	SetSSEHeaders(w)
	return &ChunkEncoder{
		w:         w,
		flusher:   flusher,
		prepared:  p,
		created:   time.Now().Unix(),
		toolIndex: make(map[string]int),
	}, true
}

// Encode implements Encoder.
func (e *ChunkEncoder) Encode(ev *agent.Event) error {
	if !e.started {
		e.started = true
		if err := e.writeChunk(OpenAIChunkDelta{Role: "assistant"}, nil, nil); err != nil {
			return err
		}
	}

	switch ev.Kind {
	case agent.EventTextDelta:
		e.completed += len(ev.Text)
		return e.writeChunk(OpenAIChunkDelta{Content: ev.Text}, nil, nil)
	case agent.EventToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		idx := e.indexFor(ev.ToolUse.ID)
		return e.writeChunk(OpenAIChunkDelta{ToolCalls: []OpenAIToolCall{{
			Index:    idx,
			ID:       ev.ToolUse.ID,
			Type:     "function",
			Function: OpenAIToolFunction{Name: ev.ToolUse.Name, Arguments: ev.ToolUse.Input},
		}}}, nil, nil)
	case agent.EventToolResult:
		if ev.ToolResult == nil {
			return nil
		}
		idx := e.indexFor(ev.ToolResult.ID)
		return e.writeChunk(OpenAIChunkDelta{ToolCalls: []OpenAIToolCall{{
			Index:    idx,
			ID:       ev.ToolResult.ID,
			Type:     "function",
			Function: OpenAIToolFunction{Name: ev.ToolResult.Name, Output: ev.ToolResult.Output},
		}}}, nil, nil)
	case agent.EventUsage:
		if ev.Usage != nil {
			if e.usage == nil {
				e.usage = &agent.Usage{}
			}
			e.usage.Add(ev.Usage)
		}
		return nil
	case agent.EventDone:
		usage := e.finalUsage(ev.Usage)
		stop := "stop"
		if err := e.writeChunk(OpenAIChunkDelta{}, &stop, usage); err != nil {
			return err
		}
		return e.writeDone()
	case agent.EventError:
		return e.Abort(ErrorFromEvent(ev))
	}
	return nil
}

// Abort implements Encoder.
func (e *ChunkEncoder) Abort(err error) error {
	if err := e.writeData(map[string]*ErrorBody{"error": openAIErrorBody(err)}); err != nil {
		return err
	}
	return e.writeDone()
}

func (e *ChunkEncoder) indexFor(id string) int {
	if idx, ok := e.toolIndex[id]; ok {
		return idx
	}
	idx := len(e.toolIndex)
	e.toolIndex[id] = idx
	return idx
}

func (e *ChunkEncoder) finalUsage(terminal *agent.Usage) *OpenAIUsage {
	u := terminal
	if u == nil || u.TotalTokens == 0 {
		u = e.usage
	}
	if u != nil && u.TotalTokens > 0 {
		return &OpenAIUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	prompt := estimateTokens(e.prepared.Input)
	completion := e.completed / 4
	return &OpenAIUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (e *ChunkEncoder) writeChunk(delta OpenAIChunkDelta, finish *string, usage *OpenAIUsage) error {
	return e.writeData(&OpenAIChunk{
		ID:      e.prepared.ID,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.prepared.Model,
		Choices: []OpenAIChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
}

func (e *ChunkEncoder) writeData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling chunk: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

func (e *ChunkEncoder) writeDone() error {
	if _, err := io.WriteString(e.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// openAIErrorBody adds the OpenAI error type to err's body.
func openAIErrorBody(err error) *ErrorBody {
	body := NewErrorBody(err)
	_, status := Classify(err)
	switch {
	case status == http.StatusUnauthorized:
		body.Type = "authentication_error"
	case status == http.StatusTooManyRequests:
		body.Type = "rate_limit_error"
	case status < http.StatusInternalServerError:
		body.Type = "invalid_request_error"
	default:
		body.Type = "server_error"
	}
	return body
}

// WriteOpenAIError writes err in the OpenAI error envelope.
func WriteOpenAIError(w http.ResponseWriter, err error) {
	_, status := Classify(err)
	WriteJSON(w, status, map[string]*ErrorBody{"error": openAIErrorBody(err)})
}

// OpenAIModel is one entry of the models list.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// OpenAIModelList is the body of GET /v1/models.
type OpenAIModelList struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// NewModel describes a served model.
func NewModel(id string) OpenAIModel {
	return OpenAIModel{ID: id, Object: "model", Created: time.Now().Unix(), OwnedBy: "clawd-gateway"}
}

// NewModelList describes every served model.
func NewModelList(ids []string) *OpenAIModelList {
	list := &OpenAIModelList{Object: "list", Data: make([]OpenAIModel, 0, len(ids))}
	for _, id := range ids {
		list.Data = append(list.Data, NewModel(id))
	}
	return list
}
