// Package openai adapts sashabaranov/go-openai's chat completion
// streaming API to provider.ModelStream, condensed from
// internal/agent/providers/openai.go's linear-backoff retry loop and
// per-index tool-call-fragment accumulation.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/agentserver/agentserver/internal/provider"
)

const (
	defaultModel      = "gpt-4o"
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
	client       *openaisdk.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
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

	clientCfg := openaisdk.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &Provider{
		client:       openaisdk.NewClientWithConfig(clientCfg),
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *Provider) Name() string        { return "openai" }
func (p *Provider) SupportsTools() bool { return true }

func (p *Provider) Complete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	messages := convertMessages(req.Messages, req.System)

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	chatReq := openaisdk.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var stream *openaisdk.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	out := make(chan *provider.Chunk)
	go processStream(ctx, stream, out)
	return out, nil
}

func processStream(ctx context.Context, stream *openaisdk.ChatCompletionStream, out chan<- *provider.Chunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := map[int]*provider.ToolCall{}
	flush := func() {
		for _, tc := range toolCalls {
			if tc.ID != "" && tc.Name != "" {
				out <- &provider.Chunk{ToolCall: tc}
			}
		}
		toolCalls = map[int]*provider.ToolCall{}
	}

	for {
		select {
		case <-ctx.Done():
			out <- &provider.Chunk{Error: ctx.Err(), Done: true}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				out <- &provider.Chunk{Done: true}
				return
			}
			out <- &provider.Chunk{Error: err, Done: true}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- &provider.Chunk{Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &provider.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].Input = append(toolCalls[index].Input, []byte(tc.Function.Arguments)...)
			}
		}
		if resp.Choices[0].FinishReason == openaisdk.FinishReasonToolCalls {
			flush()
		}
	}
}

func convertMessages(msgs []provider.Message, system string) []openaisdk.ChatCompletionMessage {
	out := make([]openaisdk.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openaisdk.ChatCompletionMessage{Role: openaisdk.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case "user":
			out = append(out, openaisdk.ChatCompletionMessage{Role: openaisdk.ChatMessageRoleUser, Content: m.Content})
			for _, tr := range m.ToolResults {
				content := tr.Content
				out = append(out, openaisdk.ChatCompletionMessage{
					Role:       openaisdk.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			msg := openaisdk.ChatCompletionMessage{Role: openaisdk.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openaisdk.ToolCall{
					ID:   tc.ID,
					Type: openaisdk.ToolTypeFunction,
					Function: openaisdk.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)
		}
	}
	return out
}

func convertTools(tools []provider.ToolDef) []openaisdk.Tool {
	out := make([]openaisdk.Tool, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &params)
		}
		out = append(out, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func isRetryable(err error) bool {
	var apiErr *openaisdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}
