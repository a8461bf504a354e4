// Package models defines the domain types shared across the agent
// server: sessions, turns, steps, events, and the tool-permission and
// filesystem-versioning records that hang off them.
package models

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionIdle    SessionStatus = "idle"
	SessionRunning SessionStatus = "running"
	SessionError   SessionStatus = "error"
)

// Session is a persistent conversation context.
type Session struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionSettings holds per-session overrides.
type SessionSettings struct {
	SessionID     string `json:"session_id"`
	OverrideModel string `json:"override_model,omitempty"`
}

// Turn is one user message and the agent's entire response to it.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserText  string    `json:"user_text"`
	CreatedAt time.Time `json:"created_at"`
}

// StepStatus is the lifecycle state of a Step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepDone      StepStatus = "done"
	StepCancelled StepStatus = "cancelled"
	StepError     StepStatus = "error"
)

// Step is one iteration of the runner's loop: one LLM call plus its
// tool calls.
type Step struct {
	ID         string     `json:"id"`
	TurnID     string     `json:"turn_id"`
	Idx        int        `json:"idx"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// EventType identifies the published event's payload shape. Values
// match the wire type table in the external interface.
type EventType string

const (
	EventStatus        EventType = "status"
	EventMessageDelta  EventType = "message_delta"
	EventThinking      EventType = "thinking"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventTerminalChunk EventType = "terminal_chunk"
	EventDiff          EventType = "diff"
	EventSubagent      EventType = "subagent"
	EventSubagentBlock EventType = "subagent_block"
	EventFinal         EventType = "final"
	EventError         EventType = "error"
)

// Event is one append-only row in the event log. Payload holds the
// typed payload struct selected by Type (see DecodePayload); event
// types with no typed struct carry a map[string]any instead,
// preserving forward compatibility per the tagged-variant design.
type Event struct {
	ID        int64     `json:"id"`
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Ts        float64   `json:"ts"`
	Type      EventType `json:"type"`
	Payload   any       `json:"payload"`

	// RawPayload is the payload as persisted (JSON bytes). The sqlite
	// and postgres stores set it on append and on read, decoding
	// Payload from it with DecodePayload as each row is scanned; the
	// memory store leaves it nil.
	RawPayload []byte `json:"-"`
}

// ToolPolicyDecision is the effective per-tool policy.
type ToolPolicyDecision string

const (
	PolicyDeny  ToolPolicyDecision = "deny"
	PolicyAsk   ToolPolicyDecision = "ask"
	PolicyAllow ToolPolicyDecision = "allow"
)

// ToolPolicy is the durable, tool-scoped default policy.
type ToolPolicy struct {
	ToolName string             `json:"tool_name"`
	Policy   ToolPolicyDecision `json:"policy"`
}

// PermissionGlobalMode is the singleton global permission switch.
type PermissionGlobalMode string

const (
	ModeAsk   PermissionGlobalMode = "ask"
	ModeAllow PermissionGlobalMode = "allow"
)

// PermissionRequestStatus is the lifecycle of a PermissionRequest.
type PermissionRequestStatus string

const (
	PermissionPending  PermissionRequestStatus = "pending"
	PermissionApproved PermissionRequestStatus = "approved"
	PermissionDenied   PermissionRequestStatus = "denied"
	PermissionExpired  PermissionRequestStatus = "expired"
)

// PermissionScope controls how far a resolution's policy persists.
type PermissionScope string

const (
	ScopeOnce    PermissionScope = "once"
	ScopeSession PermissionScope = "session"
	ScopeAlways  PermissionScope = "always"
)

// PermissionRequest is created by the gate on "ask" and resolved
// exactly once by an external API call or by the expiry sweep.
type PermissionRequest struct {
	ID         string                   `json:"id"`
	SessionID  string                   `json:"session_id"`
	TurnID     string                   `json:"turn_id"`
	StepID     string                   `json:"step_id"`
	ToolName   string                   `json:"tool_name"`
	Input      []byte                   `json:"input"`
	Status     PermissionRequestStatus  `json:"status"`
	Scope      PermissionScope          `json:"scope,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	ResolvedAt time.Time                `json:"resolved_at,omitempty"`
}

// FileChange records one successful filesystem mutation.
type FileChange struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	StepID    string    `json:"step_id"`
	Path      string    `json:"path"`
	Diff      string    `json:"diff"`
	CreatedAt time.Time `json:"created_at"`
}

// FileVersion is a snapshot of a file's content, captured as the
// pre-image before each mutation.
type FileVersion struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Idx       int       `json:"idx"`
	Content   []byte    `json:"content"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextItemKind categorizes a pinned context item.
type ContextItemKind string

const (
	ContextItemFile    ContextItemKind = "file"
	ContextItemWeb     ContextItemKind = "web"
	ContextItemSummary ContextItemKind = "summary"
	ContextItemMemory  ContextItemKind = "memory"
)

// ContextItem is a session-scoped reference injected into prompts
// when pinned; large content is replaced by a cached summary.
type ContextItem struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Kind          ContextItemKind `json:"kind"`
	Title         string          `json:"title"`
	ContentRef    string          `json:"content_ref"`
	Pinned        bool            `json:"pinned"`
	Summary       string          `json:"summary,omitempty"`
	SummarySHA256 string          `json:"summary_sha256,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Message is one entry in the in-memory history the runner builds up
// for a turn and hands to the model stream.
type Message struct {
	Role       string     `json:"role"` // system | user | assistant | tool
	Text       string     `json:"text,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input []byte `json:"input"`
}
