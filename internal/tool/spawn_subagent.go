package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/subagent"
)

// spawnCtxKey carries the calling tool_call id and nesting depth so
// spawnSubagentTool can enforce subagent.MaxDepth and tag the child's
// events with the right parent id, without changing the Tool
// interface's signature for every other tool.
type spawnCtxKey string

const (
	toolCallIDCtxKey spawnCtxKey = "tool_call_id"
	depthCtxKey      spawnCtxKey = "subagent_depth"
)

// WithToolCallID attaches the id of the tool call currently executing.
func WithToolCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolCallIDCtxKey, id)
}

// WithDepth attaches the current sub-agent nesting depth (0 at the
// top level).
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthCtxKey, depth)
}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthCtxKey).(int); ok {
		return d
	}
	return 0
}

func toolCallIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(toolCallIDCtxKey).(string); ok {
		return id
	}
	return ""
}

type spawnSubagentTool struct {
	manager *subagent.Manager
}

func NewSpawnSubagentTool(manager *subagent.Manager) Tool {
	return spawnSubagentTool{manager: manager}
}

func (spawnSubagentTool) Name() string { return "spawn_subagent" }
func (spawnSubagentTool) Description() string {
	return "Spawn a sub-agent with an isolated history to work on a focused task, and wait for its result."
}
func (spawnSubagentTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"label": {"type": "string", "description": "short label for the sub-agent"},
			"task": {"type": "string", "description": "the task for the sub-agent to complete"},
			"allowed_tools": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["label", "task"],
		"additionalProperties": false
	}`)
}

func (t spawnSubagentTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Label        string   `json:"label"`
		Task         string   `json:"task"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}

	ids, ok := sessionIDsFrom(ctx)
	if !ok {
		return &Result{Content: "spawn_subagent called outside a session context", IsError: true}, nil
	}
	depth := depthFrom(ctx)
	toolCallID := toolCallIDFrom(ctx)

	onBlock := emitBlockFrom(ctx)
	onStatus := emitStatusFrom(ctx)
	h, err := t.manager.Spawn(ctx, depth, toolCallID, ids.SessionID, params.Label, params.Task, params.AllowedTools, onBlock,
		func(handle *subagent.Handle) {
			onStatus(models.SubagentPayload{
				ParentToolCallID: handle.ParentToolCallID,
				SubagentID:       handle.ID,
				Status:           subagentEventStatus(handle.Status),
				Label:            handle.Label,
				Task:             handle.Task,
				Result:           handle.Result,
				Error:            handle.Error,
			})
		})
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	if h.Status == subagent.StatusFailed {
		return &Result{Content: fmt.Sprintf("sub-agent %s failed: %s", h.ID, h.Error), IsError: true}, nil
	}
	return &Result{Content: h.Result}, nil
}

type blockEmitterKey string

const blockEmitterCtxKey blockEmitterKey = "subagent_block_emitter"

// WithBlockEmitter attaches the sink the runner uses to re-publish a
// sub-agent's inner events onto the parent session's timeline.
func WithBlockEmitter(ctx context.Context, emit func(subagentID string, inner any)) context.Context {
	return context.WithValue(ctx, blockEmitterCtxKey, emit)
}

func emitBlockFrom(ctx context.Context) func(subagentID string, inner any) {
	if e, ok := ctx.Value(blockEmitterCtxKey).(func(string, any)); ok {
		return e
	}
	return func(string, any) {}
}

type statusEmitterKey string

const statusEmitterCtxKey statusEmitterKey = "subagent_status_emitter"

// WithStatusEmitter attaches the sink the runner uses to publish a
// sub-agent's start/finish lifecycle as a top-level subagent event on
// the parent session's timeline, distinct from the inner events
// forwarded through WithBlockEmitter.
func WithStatusEmitter(ctx context.Context, emit func(models.SubagentPayload)) context.Context {
	return context.WithValue(ctx, statusEmitterCtxKey, emit)
}

func emitStatusFrom(ctx context.Context) func(models.SubagentPayload) {
	if e, ok := ctx.Value(statusEmitterCtxKey).(func(models.SubagentPayload)); ok {
		return e
	}
	return func(models.SubagentPayload) {}
}

func subagentEventStatus(s subagent.Status) models.SubagentStatus {
	switch s {
	case subagent.StatusCompleted:
		return models.SubagentFinished
	case subagent.StatusFailed:
		return models.SubagentErrored
	case subagent.StatusCancelled:
		return models.SubagentCancelled
	default:
		return models.SubagentStarted
	}
}
