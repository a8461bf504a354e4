package runner

import (
	"context"
	"strings"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/provider"
	"github.com/agentserver/agentserver/internal/tool"
)

// defaultSubagentTools is the tool subset a sub-agent gets when its
// caller didn't pass an explicit allowlist: read/search/fetch only,
// per spec.md:169 — never write_file/apply_patch/spawn_subagent unless
// the parent opts in by name.
var defaultSubagentTools = []string{"read_file", "list_tree"}

// RunNested drives a sub-agent's task against an isolated history: no
// Turn/Step rows are created (the nested run has no timeline of its
// own to reconnect to), and its events are handed to onBlock instead
// of the Event Writer, so the caller (subagent.Manager, via the
// spawn_subagent tool) can re-publish them under the parent's
// parent_tool_call_id. allowedTools restricts the nested run's tool
// dispatch to a bounded subset per §4.6, satisfying subagent.Runner.
// Every tool call still passes through the Gate, exactly as the main
// loop's runOneToolCall does — a sub-agent has no elevated trust over
// the turn that spawned it.
func (r *Runner) RunNested(ctx context.Context, sessionID, task string, allowedTools []string, onBlock func(any)) (string, error) {
	history := []models.Message{{Role: "user", Text: task}}
	ctx = tool.WithDepth(ctx, 1)

	scoped := r.scopedForTools(allowedTools)

	for step := 0; step < MaxSteps; step++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		built := r.Context.Build(ctx, nil, history)
		req := &provider.Request{
			Model:    r.ModelName,
			System:   r.Context.SystemPrompt,
			Messages: toProviderMessages(built),
			Tools:    scoped.toolDefs(),
		}

		chunks, err := r.Model.Complete(ctx, req)
		if err != nil {
			return "", err
		}

		var text strings.Builder
		var calls []models.ToolCall
		for chunk := range chunks {
			switch {
			case chunk.Error != nil:
				return "", chunk.Error
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				onBlock(models.MessageDeltaPayload{Role: "assistant", Delta: chunk.Text})
			case chunk.ToolCall != nil:
				calls = append(calls, models.ToolCall{ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name, Input: chunk.ToolCall.Input})
				onBlock(models.ToolCallPayload{ToolCallID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name, Input: chunk.ToolCall.Input, Status: models.ToolCallRunning})
			}
		}

		if len(calls) == 0 {
			return text.String(), nil
		}

		history = append(history, models.Message{Role: "assistant", Text: text.String(), ToolCalls: calls})
		for _, call := range calls {
			out, isErr := scoped.runNestedToolCall(ctx, sessionID, call, onBlock)
			history = append(history, models.Message{Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Text: out, IsError: isErr})
		}
	}
	return "", context.DeadlineExceeded
}

// runNestedToolCall gates and executes one sub-agent tool call,
// mirroring the main loop's runOneToolCall (loop.go) so the same
// PermissionMode/ToolPolicy rules apply regardless of nesting depth.
func (r *Runner) runNestedToolCall(ctx context.Context, sessionID string, call models.ToolCall, onBlock func(any)) (output string, isError bool) {
	if _, found := r.Tools.Get(call.Name); !found {
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: false, Error: "unknown tool"})
		return "unknown tool: " + call.Name, true
	}

	decision, err := r.Gate.Check(ctx, sessionID, "", "", call.Name, call.Input, func(req *models.PermissionRequest) {
		onBlock(models.ToolCallPayload{
			ToolCallID: call.ID, ToolName: call.Name, Input: call.Input,
			Status: models.ToolCallPermissionRequired, PermissionRequestID: req.ID,
		})
	})
	if err != nil {
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: false, Error: err.Error()})
		return err.Error(), true
	}
	if !decision.Approved {
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: false, Error: "denied"})
		return "denied", true
	}

	execCtx, cancel := context.WithTimeout(ctx, r.ToolTimeout)
	defer cancel()
	execCtx = tool.WithSessionIDs(execCtx, tool.SessionIDs{SessionID: sessionID})
	execCtx = tool.WithToolCallID(execCtx, call.ID)

	result, execErr := r.Tools.Execute(execCtx, call.Name, call.Input)
	switch {
	case execErr != nil:
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: false, Error: execErr.Error()})
		return execErr.Error(), true
	case result.IsError:
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: false, Error: result.Content})
		return result.Content, true
	default:
		onBlock(models.ToolResultPayload{ToolCallID: call.ID, Ok: true, Output: result.Content})
		return result.Content, false
	}
}

// scopedForTools returns a Runner sharing everything but the tool
// registry, narrowed to allowedTools. An empty allowedTools defaults
// to defaultSubagentTools rather than the unrestricted parent
// registry (§4.6): a sub-agent only gets write/spawn access when the
// caller explicitly lists it in allowed_tools.
func (r *Runner) scopedForTools(allowedTools []string) *Runner {
	if len(allowedTools) == 0 {
		allowedTools = defaultSubagentTools
	}
	scoped := *r
	registry := tool.NewRegistry()
	allowed := map[string]bool{}
	for _, name := range allowedTools {
		allowed[name] = true
	}
	for _, t := range r.Tools.List() {
		if allowed[t.Name()] {
			_ = registry.Register(t)
		}
	}
	scoped.Tools = registry
	return &scoped
}
