// Package anthropic adapts Anthropic's Messages streaming API to the
// provider.ModelStream interface, condensed from
// internal/agent/providers/anthropic.go's retry loop and
// content-block event switch (message_start/content_block_start/
// content_block_delta/content_block_stop/message_delta/message_stop),
// dropping that file's beta computer-use branch, which SPEC_FULL.md
// has no tool that needs.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentserver/agentserver/internal/provider"
)

const (
	defaultModel      = "claude-sonnet-4-20250514"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

type Config struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

type Provider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{
		client:       anthropic.NewClient(opts...),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string        { return "anthropic" }
func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	out := make(chan *provider.Chunk)

	go func() {
		defer close(out)

		params, err := p.buildParams(req)
		if err != nil {
			out <- &provider.Chunk{Error: fmt.Errorf("anthropic: %w", err)}
			return
		}

		var stream interface {
			Next() bool
			Current() anthropic.MessageStreamEventUnion
			Err() error
		}
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			s := p.client.Messages.NewStreaming(ctx, params)
			stream = s
			// Only an error already set on the stream when it is created
			// is retried here; Next() is not called first, so an error
			// that surfaces on the first Next() is not retried.
			if s.Err() == nil {
				break
			}
			if attempt == p.maxRetries || !isRetryable(s.Err()) {
				out <- &provider.Chunk{Error: fmt.Errorf("anthropic: %w", s.Err())}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- &provider.Chunk{Error: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		processStream(stream, out)
	}()

	return out, nil
}

func (p *Provider) buildParams(req *provider.Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func convertMessages(msgs []provider.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "user":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tr := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func convertTools(tools []provider.ToolDef) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Schema) > 0 {
			if err := json.Unmarshal(t.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			},
		})
	}
	return out, nil
}

func processStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- *provider.Chunk) {
	var currentToolCall *provider.ToolCall
	var toolInput strings.Builder
	inThinking := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				out <- &provider.Chunk{ThinkingStart: true}
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolCall = &provider.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &provider.Chunk{Text: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- &provider.Chunk{Thinking: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if inThinking {
				out <- &provider.Chunk{ThinkingEnd: true}
				inThinking = false
			} else if currentToolCall != nil {
				currentToolCall.Input = []byte(toolInput.String())
				out <- &provider.Chunk{ToolCall: currentToolCall}
				currentToolCall = nil
			}
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			out <- &provider.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- &provider.Chunk{Error: fmt.Errorf("anthropic stream: %w", err)}
	}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
