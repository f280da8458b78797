// ABOUTME: Engine backed by an OpenAI-compatible chat completions upstream
// ABOUTME: Streams deltas, aggregates tool call fragments, and reports usage

// Package openai implements agent.Engine on top of the official openai-go
// client. Any server speaking the chat completions protocol can be used
// by pointing BaseURL at it.
package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/clawd-gateway/internal/agent"
	"github.com/2389/clawd-gateway/internal/session"
)

// Config configures the upstream engine.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Models       []string // advertised on /v1/models; defaults to Model
	Logger       *slog.Logger
}

// Engine drives an OpenAI-compatible upstream.
type Engine struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return NewFromClient(&client, cfg)
}

// NewFromClient creates an Engine around an existing client.
func NewFromClient(client *openai.Client, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "openai-engine"),
	}
}

// Models implements agent.ModelLister.
func (e *Engine) Models() []string {
	if len(e.cfg.Models) > 0 {
		return e.cfg.Models
	}
	return []string{e.cfg.Model}
}

// Run implements agent.Engine.
func (e *Engine) Run(ctx context.Context, req *agent.Request) (<-chan *agent.Event, error) {
	params := e.buildParams(req)
	out := make(chan *agent.Event, 32)

	go func() {
		defer close(out)
		e.stream(ctx, params, out)
	}()
	return out, nil
}

func (e *Engine) buildParams(req *agent.Request) openai.ChatCompletionNewParams {
	model := e.cfg.Model
	if req.Options.Model != "" {
		model = req.Options.Model
	}

	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(e.cfg.SystemPrompt, req.History, req.Input),
		Model:    model,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	maxTokens := e.cfg.MaxTokens
	if req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}
	return params
}

// buildMessages converts session history into chat messages. A system
// prompt is only prepended when the history carries none of its own.
func buildMessages(systemPrompt string, history []session.Turn, input string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)

	hasSystem := false
	for _, turn := range history {
		if turn.Role == session.RoleSystem {
			hasSystem = true
			break
		}
	}
	if systemPrompt != "" && !hasSystem {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}

	for _, turn := range history {
		switch turn.Role {
		case session.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case session.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	return append(messages, openai.UserMessage(input))
}

// toolCall aggregates streamed tool call fragments.
type toolCall struct {
	id, name, args string
	emitted        bool
}

func (e *Engine) stream(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- *agent.Event) {
	stream := e.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	calls := map[int64]*toolCall{}
	var order []int64
	var usage *agent.Usage

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Usage.TotalTokens > 0 {
			usage = &agent.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !send(ctx, out, agent.TextDelta(choice.Delta.Content)) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				call, ok := calls[tc.Index]
				if !ok {
					call = &toolCall{}
					calls[tc.Index] = call
					order = append(order, tc.Index)
				}
				if tc.ID != "" {
					call.id = tc.ID
				}
				if tc.Function.Name != "" {
					call.name = tc.Function.Name
				}
				call.args += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				for _, idx := range order {
					call := calls[idx]
					if call.emitted {
						continue
					}
					call.emitted = true
					if !send(ctx, out, agent.ToolUseEvent(call.id, call.name, call.args)) {
						return
					}
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Warn("upstream stream failed", "error", err)
		send(ctx, out, agent.Failure(agent.CodeEngineFailure, fmt.Sprintf("upstream: %v", err)))
		return
	}

	if usage != nil {
		ev := &agent.Event{Kind: agent.EventUsage, Usage: usage}
		if !send(ctx, out, ev) {
			return
		}
	}
	send(ctx, out, agent.Done(""))
}

func send(ctx context.Context, out chan<- *agent.Event, ev *agent.Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}
