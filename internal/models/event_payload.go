package models

import "encoding/json"

// DecodePayload unmarshals raw into the typed payload struct matching
// typ, so a Store backend that persists Payload as JSON can hand back
// the same shape a caller constructed at publish time (e.g.
// e.Payload.(FinalPayload)) instead of a generic map. Unknown types
// fall back to map[string]any, preserving forward compatibility.
func DecodePayload(typ EventType, raw []byte) (any, error) {
	var target any
	switch typ {
	case EventStatus:
		target = &StatusPayload{}
	case EventMessageDelta:
		target = &MessageDeltaPayload{}
	case EventThinking:
		target = &ThinkingPayload{}
	case EventToolCall:
		target = &ToolCallPayload{}
	case EventToolResult:
		target = &ToolResultPayload{}
	case EventTerminalChunk:
		target = &TerminalChunkPayload{}
	case EventDiff:
		target = &DiffPayload{}
	case EventSubagent:
		target = &SubagentPayload{}
	case EventSubagentBlock:
		target = &SubagentBlockPayload{}
	case EventFinal:
		target = &FinalPayload{}
	case EventError:
		target = &ErrorPayload{}
	default:
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
		return decoded, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, err
	}
	return derefPayload(target), nil
}

// derefPayload strips the pointer DecodePayload uses for unmarshalling
// so Payload holds the same value type publishers construct, letting
// callers type-assert with e.Payload.(FinalPayload) rather than a
// pointer variant.
func derefPayload(target any) any {
	switch v := target.(type) {
	case *StatusPayload:
		return *v
	case *MessageDeltaPayload:
		return *v
	case *ThinkingPayload:
		return *v
	case *ToolCallPayload:
		return *v
	case *ToolResultPayload:
		return *v
	case *TerminalChunkPayload:
		return *v
	case *DiffPayload:
		return *v
	case *SubagentPayload:
		return *v
	case *SubagentBlockPayload:
		return *v
	case *FinalPayload:
		return *v
	case *ErrorPayload:
		return *v
	default:
		return target
	}
}

// The payload types below correspond 1:1 with the event type table in
// the external interface. Each is embedded into Event.Payload for the
// matching Type; unrecognized types decode into a map[string]any
// (see DecodePayload) so future variants round-trip without a schema change
// here (§9 "dynamic event dispatch" re-architecture note).

type StatusPayload struct {
	Status SessionStatus `json:"status"`
}

type MessageDeltaPayload struct {
	Role      string `json:"role"`
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

type ThinkingStatus string

const (
	ThinkingStart ThinkingStatus = "start"
	ThinkingDelta ThinkingStatus = "delta"
	ThinkingEnd   ThinkingStatus = "end"
)

type ThinkingPayload struct {
	Status     ThinkingStatus `json:"status"`
	Text       string         `json:"text,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

type ToolCallStatus string

const (
	ToolCallPermissionRequired ToolCallStatus = "permission_required"
	ToolCallRunning            ToolCallStatus = "running"
	ToolCallCompleted          ToolCallStatus = "completed"
	ToolCallErrorStatus        ToolCallStatus = "error"
)

type ToolCallPayload struct {
	ToolCallID           string          `json:"tool_call_id"`
	ToolName             string          `json:"tool_name"`
	Input                []byte          `json:"input,omitempty"`
	Status               ToolCallStatus  `json:"status"`
	PermissionRequestID  string          `json:"permission_request_id,omitempty"`
}

type ToolResultPayload struct {
	ToolCallID string  `json:"tool_call_id"`
	Ok         bool    `json:"ok"`
	Output     string  `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

type TerminalStream string

const (
	StreamStdout TerminalStream = "stdout"
	StreamStderr TerminalStream = "stderr"
)

type TerminalChunkPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Stream     TerminalStream `json:"stream"`
	Text       string         `json:"text"`
}

type DiffPayload struct {
	ToolCallID string `json:"tool_call_id"`
	Path       string `json:"path"`
	Diff       string `json:"diff"`
}

type SubagentStatus string

const (
	SubagentStarted   SubagentStatus = "started"
	SubagentFinished  SubagentStatus = "finished"
	SubagentErrored   SubagentStatus = "error"
	SubagentCancelled SubagentStatus = "cancelled"
)

type SubagentPayload struct {
	ParentToolCallID string         `json:"parent_tool_call_id"`
	SubagentID       string         `json:"subagent_id"`
	Status           SubagentStatus `json:"status"`
	Label            string         `json:"label"`
	Task             string         `json:"task"`
	Result           string         `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// SubagentBlockPayload carries one inner event of a running
// sub-agent, wrapped for the parent's timeline. Block reuses the same
// Event shape so a UI can recurse into it without a second decoder.
type SubagentBlockPayload struct {
	ParentToolCallID string `json:"parent_tool_call_id"`
	SubagentID       string `json:"subagent_id"`
	Block            *Event `json:"block"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type FinalPayload struct {
	Role        string `json:"role"`
	MessageID   string `json:"message_id"`
	Text        string `json:"text"`
	FinishReason string `json:"finish_reason"`
	Usage       *Usage `json:"usage,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
