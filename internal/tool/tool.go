// Package tool implements the Tool Registry: tool registration,
// JSON-schema-validated dispatch, and the builtin tool set (file
// operations, shell, and sub-agent spawn). The registry's
// name/size-limit guards and locking follow
// internal/agent/tool_registry.go's ToolRegistry; input validation
// adds github.com/santhosh-tekuri/jsonschema/v5, which the teacher's
// registry never actually enforced schemas with (it only *carried* a
// schema for the LLM's benefit).
package tool

import (
	"context"
	"encoding/json"
)

// Result is what a tool call produces, mirroring the tool_result
// event payload shape.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Tool is a single callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema is the tool's JSON Schema for its input, both for the
	// model's function-calling definition and for registry-side
	// validation.
	Schema() json.RawMessage
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Internal marks a tool that is never exposed to the model (e.g.
// run_shell). Registry.List leaves such tools out, and a sub-agent's
// tool set is built from List, so nested runners do not reach them
// either.
type Internal interface {
	Tool
	InternalOnly() bool
}
