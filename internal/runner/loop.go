// Package runner implements the Agent Runner: the state machine that
// owns one turn, alternating between streaming a model response and
// executing tool calls until the model stops requesting tools.
// Adapted from internal/agent/runtime.go's Runtime.run loop, replacing
// its plugin/branch/context-pruning machinery with the linear
// stream -> buffer tool calls -> gate -> execute -> repeat algorithm.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	agentcontext "github.com/agentserver/agentserver/internal/context"
	"github.com/agentserver/agentserver/internal/eventbus"
	"github.com/agentserver/agentserver/internal/metrics"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/permission"
	"github.com/agentserver/agentserver/internal/provider"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/telemetry"
	"github.com/agentserver/agentserver/internal/tool"
)

// MaxSteps bounds a turn's iterations so a model that never stops
// requesting tools cannot loop forever.
const MaxSteps = 64

// DefaultToolTimeout bounds a single tool call.
const DefaultToolTimeout = 2 * time.Minute

// Runner drives turns using one model, one tool
// registry, and one permission gate. A process typically holds one
// Runner per configured model/provider pair, shared across sessions.
type Runner struct {
	Store       store.Store
	Writer      *eventbus.Writer
	Gate        *permission.Gate
	Tools       *tool.Registry
	Context     *agentcontext.Builder
	Model       provider.ModelStream
	ModelName   string
	ToolTimeout time.Duration
	Logger      *slog.Logger

	// Tracer and Metrics are optional; a nil Tracer records no spans
	// and a nil Metrics records nothing, so a Runner built without
	// observability wiring (as in most tests) still runs correctly.
	Tracer  *telemetry.Tracer
	Metrics *metrics.Metrics
}

func New(st store.Store, writer *eventbus.Writer, gate *permission.Gate, tools *tool.Registry, ctxBuilder *agentcontext.Builder, model provider.ModelStream, modelName string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Store: st, Writer: writer, Gate: gate, Tools: tools, Context: ctxBuilder,
		Model: model, ModelName: modelName, ToolTimeout: DefaultToolTimeout, Logger: logger,
	}
}

// RunTurn executes one full turn: it persists Steps, publishes every
// event through the Event Writer, and returns only once the model
// stops requesting tools, errors, or ctx is cancelled.
func (r *Runner) RunTurn(ctx context.Context, sessionID, turnID string, history []models.Message) (err error) {
	if r.Metrics != nil {
		r.Metrics.TurnsStarted.Inc()
	}
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("runner panic", "panic", p, "session_id", sessionID, "turn_id", turnID)
			r.publishError(ctx, sessionID, turnID, "", "runner", fmt.Sprintf("%v", p))
			r.setSessionStatus(ctx, sessionID, models.SessionError)
			err = fmt.Errorf("runner panic: %v", p)
		}
		if err != nil && r.Metrics != nil {
			r.Metrics.TurnsFailed.Inc()
		}
	}()

	items, itemErr := r.Store.ListContextItems(ctx, sessionID)
	if itemErr != nil {
		return fmt.Errorf("list context items: %w", itemErr)
	}

	stepIdx := 0
	for {
		if ctx.Err() != nil {
			return r.cancelTurn(ctx, sessionID, turnID, "")
		}
		if stepIdx >= MaxSteps {
			r.publishError(ctx, sessionID, turnID, "", "max_steps_exceeded", "turn exceeded the maximum number of steps")
			r.setSessionStatus(ctx, sessionID, models.SessionError)
			return fmt.Errorf("turn %s exceeded %d steps", turnID, MaxSteps)
		}
		stepIdx++

		step := &models.Step{
			ID:        uuid.NewString(),
			TurnID:    turnID,
			Idx:       stepIdx - 1,
			Status:    models.StepRunning,
			StartedAt: time.Now(),
		}
		if err := r.Store.CreateStep(ctx, step); err != nil {
			return fmt.Errorf("create step: %w", err)
		}
		if stepIdx == 1 {
			r.setSessionStatus(ctx, sessionID, models.SessionRunning)
			r.publish(ctx, sessionID, turnID, step.ID, models.EventStatus, models.StatusPayload{Status: models.SessionRunning})
		}

		stepCtx := ctx
		var span trace.Span
		if r.Tracer != nil {
			stepCtx, span = r.Tracer.StartStep(ctx, sessionID, turnID, step.Idx)
		}
		toolCalls, assistantText, messageID, stepErr := r.runStep(stepCtx, sessionID, turnID, step.ID, items, &history)
		if span != nil {
			telemetry.RecordError(span, stepErr)
			span.End()
		}
		if stepErr != nil {
			step.FinishedAt = time.Now()
			if ctx.Err() != nil {
				step.Status = models.StepCancelled
				_ = r.Store.UpdateStep(context.WithoutCancel(ctx), step)
				return r.cancelTurn(ctx, sessionID, turnID, step.ID)
			}
			step.Status = models.StepError
			_ = r.Store.UpdateStep(ctx, step)
			r.publishError(ctx, sessionID, turnID, step.ID, "model_error", stepErr.Error())
			r.setSessionStatus(ctx, sessionID, models.SessionError)
			return stepErr
		}

		if len(toolCalls) > 0 {
			history = append(history, models.Message{Role: "assistant", Text: assistantText, ToolCalls: toolCalls})
			r.runToolCalls(ctx, sessionID, turnID, step.ID, toolCalls, &history)
			step.Status = models.StepDone
			step.FinishedAt = time.Now()
			_ = r.Store.UpdateStep(ctx, step)
			continue
		}

		step.Status = models.StepDone
		step.FinishedAt = time.Now()
		_ = r.Store.UpdateStep(ctx, step)

		r.publish(ctx, sessionID, turnID, step.ID, models.EventFinal, models.FinalPayload{
			Role: "assistant", MessageID: messageID, Text: assistantText, FinishReason: "stop",
		})
		r.setSessionStatus(ctx, sessionID, models.SessionIdle)
		return nil
	}
}

// runStep opens one model stream and consumes it to completion,
// returning any buffered tool calls, the accumulated assistant text,
// and the message id its message_delta events were published under.
func (r *Runner) runStep(ctx context.Context, sessionID, turnID, stepID string, items []*models.ContextItem, history *[]models.Message) (toolCalls []models.ToolCall, text string, messageID string, err error) {
	messageID = uuid.NewString()
	built := r.Context.Build(ctx, items, *history)
	req := &provider.Request{
		Model:    r.ModelName,
		System:   r.Context.SystemPrompt,
		Messages: toProviderMessages(built),
		Tools:    r.toolDefs(),
	}

	chunks, err := r.Model.Complete(ctx, req)
	if err != nil {
		return nil, "", "", fmt.Errorf("open model stream: %w", err)
	}

	thinkingStart := time.Time{}
	var textBuf []byte

	for chunk := range chunks {
		if ctx.Err() != nil {
			return toolCalls, string(textBuf), messageID, ctx.Err()
		}
		switch {
		case chunk.Error != nil:
			return toolCalls, string(textBuf), messageID, chunk.Error
		case chunk.ThinkingStart:
			thinkingStart = time.Now()
			r.publish(ctx, sessionID, turnID, stepID, models.EventThinking, models.ThinkingPayload{Status: models.ThinkingStart})
		case chunk.Thinking != "":
			r.publish(ctx, sessionID, turnID, stepID, models.EventThinking, models.ThinkingPayload{Status: models.ThinkingDelta, Text: chunk.Thinking})
		case chunk.ThinkingEnd:
			duration := int64(0)
			if !thinkingStart.IsZero() {
				duration = time.Since(thinkingStart).Milliseconds()
			}
			r.publish(ctx, sessionID, turnID, stepID, models.EventThinking, models.ThinkingPayload{Status: models.ThinkingEnd, DurationMs: duration})
		case chunk.Text != "":
			textBuf = append(textBuf, chunk.Text...)
			r.publish(ctx, sessionID, turnID, stepID, models.EventMessageDelta, models.MessageDeltaPayload{Role: "assistant", MessageID: messageID, Delta: chunk.Text})
		case chunk.ToolCall != nil:
			tc := models.ToolCall{ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name, Input: chunk.ToolCall.Input}
			toolCalls = append(toolCalls, tc)
			r.publish(ctx, sessionID, turnID, stepID, models.EventToolCall, models.ToolCallPayload{
				ToolCallID: tc.ID, ToolName: tc.Name, Input: tc.Input, Status: models.ToolCallRunning,
			})
		}
	}
	return toolCalls, string(textBuf), messageID, nil
}

// runToolCalls executes each buffered tool call in emission order,
// gating, executing, and appending results to history exactly as
// §4.1 step 4 specifies.
func (r *Runner) runToolCalls(ctx context.Context, sessionID, turnID, stepID string, calls []models.ToolCall, history *[]models.Message) {
	for _, call := range calls {
		result, isError := r.runOneToolCall(ctx, sessionID, turnID, stepID, call)
		*history = append(*history, models.Message{
			Role: "tool", ToolCallID: call.ID, ToolName: call.Name, Text: result, IsError: isError,
		})
	}
}

func (r *Runner) runOneToolCall(ctx context.Context, sessionID, turnID, stepID string, call models.ToolCall) (output string, isError bool) {
	start := time.Now()

	if _, found := r.Tools.Get(call.Name); !found {
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
			ToolCallID: call.ID, Ok: false, Error: "unknown tool", DurationMs: time.Since(start).Milliseconds(),
		})
		return "unknown tool: " + call.Name, true
	}

	decision, err := r.Gate.Check(ctx, sessionID, turnID, stepID, call.Name, call.Input, func(req *models.PermissionRequest) {
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolCall, models.ToolCallPayload{
			ToolCallID: call.ID, ToolName: call.Name, Input: call.Input,
			Status: models.ToolCallPermissionRequired, PermissionRequestID: req.ID,
		})
	})
	if err != nil {
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
			ToolCallID: call.ID, Ok: false, Error: err.Error(), DurationMs: time.Since(start).Milliseconds(),
		})
		return err.Error(), true
	}
	if !decision.Approved {
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
			ToolCallID: call.ID, Ok: false, Error: "denied", DurationMs: time.Since(start).Milliseconds(),
		})
		return "denied", true
	}

	execCtx, cancel := context.WithTimeout(ctx, r.ToolTimeout)
	defer cancel()
	execCtx = tool.WithSessionIDs(execCtx, tool.SessionIDs{SessionID: sessionID, TurnID: turnID, StepID: stepID})
	execCtx = tool.WithToolCallID(execCtx, call.ID)
	execCtx = tool.WithChunkEmitter(execCtx, func(stream models.TerminalStream, data string) {
		r.publish(ctx, sessionID, turnID, stepID, models.EventTerminalChunk, models.TerminalChunkPayload{ToolCallID: call.ID, Stream: stream, Text: data})
	})
	execCtx = tool.WithBlockEmitter(execCtx, func(subagentID string, inner any) {
		r.publish(ctx, sessionID, turnID, stepID, models.EventSubagentBlock, models.SubagentBlockPayload{
			ParentToolCallID: call.ID,
			SubagentID:       subagentID,
			Block:            wrapInnerEvent(sessionID, inner),
		})
	})
	execCtx = tool.WithStatusEmitter(execCtx, func(payload models.SubagentPayload) {
		r.publish(ctx, sessionID, turnID, stepID, models.EventSubagent, payload)
	})

	var span trace.Span
	if r.Tracer != nil {
		execCtx, span = r.Tracer.StartTool(execCtx, call.Name, call.ID)
	}
	result, execErr := r.Tools.Execute(execCtx, call.Name, call.Input)
	duration := time.Since(start)
	if span != nil {
		telemetry.RecordError(span, execErr)
		span.End()
	}
	if r.Metrics != nil {
		r.Metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(duration.Seconds())
	}

	recordOutcome := func(outcome string) {
		if r.Metrics != nil {
			r.Metrics.ToolCallsTotal.WithLabelValues(call.Name, outcome).Inc()
		}
	}

	if execErr != nil {
		recordOutcome("error")
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
			ToolCallID: call.ID, Ok: false, Error: execErr.Error(), DurationMs: duration.Milliseconds(),
		})
		return execErr.Error(), true
	}
	if result.IsError {
		recordOutcome("error")
		r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
			ToolCallID: call.ID, Ok: false, Error: result.Content, DurationMs: duration.Milliseconds(),
		})
		return result.Content, true
	}
	recordOutcome("ok")
	r.publish(ctx, sessionID, turnID, stepID, models.EventToolResult, models.ToolResultPayload{
		ToolCallID: call.ID, Ok: true, Output: result.Content, DurationMs: duration.Milliseconds(),
	})
	return result.Content, false
}

func (r *Runner) cancelTurn(ctx context.Context, sessionID, turnID, stepID string) error {
	background := context.Background()
	r.publishError(background, sessionID, turnID, stepID, "cancelled", "turn cancelled")
	r.setSessionStatus(background, sessionID, models.SessionIdle)
	return context.Canceled
}

func (r *Runner) publish(ctx context.Context, sessionID, turnID, stepID string, typ models.EventType, payload any) {
	if _, err := r.Writer.Publish(context.WithoutCancel(ctx), eventbus.Draft{
		SessionID: sessionID, TurnID: turnID, StepID: stepID, Type: typ, Payload: payload,
	}); err != nil {
		r.Logger.Error("publish event failed", "error", err, "type", typ, "session_id", sessionID)
	}
}

func (r *Runner) publishError(ctx context.Context, sessionID, turnID, stepID, code, message string) {
	r.publish(ctx, sessionID, turnID, stepID, models.EventError, models.ErrorPayload{Code: code, Message: message})
}

func (r *Runner) setSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) {
	sess, err := r.Store.GetSession(ctx, sessionID)
	if err != nil {
		r.Logger.Error("load session for status update failed", "error", err, "session_id", sessionID)
		return
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	if err := r.Store.UpdateSession(ctx, sess); err != nil {
		r.Logger.Error("update session status failed", "error", err, "session_id", sessionID)
	}
}

// wrapInnerEvent lifts a sub-agent's raw inner payload (as forwarded
// by RunNested's onBlock) into an Event so a subagent_block payload
// carries the same shape a top-level event would, letting a client
// reuse one decoder for both.
func wrapInnerEvent(sessionID string, inner any) *models.Event {
	evt := &models.Event{SessionID: sessionID, Payload: inner}
	switch inner.(type) {
	case models.MessageDeltaPayload:
		evt.Type = models.EventMessageDelta
	case models.ToolCallPayload:
		evt.Type = models.EventToolCall
	case models.ToolResultPayload:
		evt.Type = models.EventToolResult
	}
	return evt
}

func (r *Runner) toolDefs() []provider.ToolDef {
	list := r.Tools.List()
	out := make([]provider.ToolDef, 0, len(list))
	for _, t := range list {
		out = append(out, provider.ToolDef{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return out
}

func toProviderMessages(msgs []models.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "tool":
			out = append(out, provider.Message{
				Role: "user",
				ToolResults: []provider.ToolResult{{
					ToolCallID: m.ToolCallID, Content: m.Text, IsError: m.IsError,
				}},
			})
		case "assistant":
			pm := provider.Message{Role: "assistant", Content: m.Text}
			for _, tc := range m.ToolCalls {
				pm.ToolCalls = append(pm.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			}
			out = append(out, pm)
		case "user":
			out = append(out, provider.Message{Role: "user", Content: m.Text})
		case "system":
			// system messages are carried via Request.System; folded into
			// the first user turn's context is handled by the Context
			// Builder, so skip here to avoid duplicating them mid-history.
		}
	}
	return out
}
