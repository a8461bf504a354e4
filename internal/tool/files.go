package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentserver/agentserver/internal/sandbox"
)

// SessionIDs (set with WithSessionIDs) supplies the session/turn/step ids a file-mutating
// tool needs to attribute its FileChange and FileVersion rows; the
// runner constructs one per step and threads it through Execute via a
// context value, since the Tool interface itself is session-agnostic
// (a single Registry is shared across sessions).
type ctxKey string

const sessionCtxKey ctxKey = "sandbox_session_ids"

// SessionIDs identifies the turn currently driving a tool call.
type SessionIDs struct {
	SessionID string
	TurnID    string
	StepID    string
}

// WithSessionIDs attaches the current turn's ids to ctx for file tools
// to read.
func WithSessionIDs(ctx context.Context, ids SessionIDs) context.Context {
	return context.WithValue(ctx, sessionCtxKey, ids)
}

func sessionIDsFrom(ctx context.Context) (SessionIDs, bool) {
	ids, ok := ctx.Value(sessionCtxKey).(SessionIDs)
	return ids, ok
}

type readFileTool struct{ fs *sandbox.FS }

func NewReadFileTool(fs *sandbox.FS) Tool { return readFileTool{fs: fs} }

func (readFileTool) Name() string        { return "read_file" }
func (readFileTool) Description() string { return "Read a file from the session workspace." }
func (readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`)
}

func (t readFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	data, truncated, err := t.fs.Read(ctx, params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	content := string(data)
	if truncated {
		content += "\n[truncated]"
	}
	return &Result{Content: content}, nil
}

type writeFileTool struct{ fs *sandbox.FS }

func NewWriteFileTool(fs *sandbox.FS) Tool { return writeFileTool{fs: fs} }

func (writeFileTool) Name() string { return "write_file" }
func (writeFileTool) Description() string {
	return "Create or overwrite a file in the session workspace."
}
func (writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`)
}

func (t writeFileTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	ids, ok := sessionIDsFrom(ctx)
	if !ok {
		return &Result{Content: "write_file called outside a session context", IsError: true}, nil
	}
	change, err := t.fs.Write(ctx, ids.SessionID, ids.TurnID, ids.StepID, params.Path, params.Content)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("wrote %s\n%s", params.Path, change.Diff)}, nil
}

type applyPatchTool struct{ fs *sandbox.FS }

func NewApplyPatchTool(fs *sandbox.FS) Tool { return applyPatchTool{fs: fs} }

func (applyPatchTool) Name() string { return "apply_patch" }
func (applyPatchTool) Description() string {
	return "Apply a unified diff to a file in the session workspace."
}
func (applyPatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"patch": {"type": "string"}
		},
		"required": ["path", "patch"],
		"additionalProperties": false
	}`)
}

func (t applyPatchTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path  string `json:"path"`
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
	}
	ids, ok := sessionIDsFrom(ctx)
	if !ok {
		return &Result{Content: "apply_patch called outside a session context", IsError: true}, nil
	}
	change, err := t.fs.ApplyPatch(ctx, ids.SessionID, ids.TurnID, ids.StepID, params.Path, params.Patch)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("patched %s\n%s", params.Path, change.Diff)}, nil
}

type listTreeTool struct{ fs *sandbox.FS }

func NewListTreeTool(fs *sandbox.FS) Tool { return listTreeTool{fs: fs} }

func (listTreeTool) Name() string        { return "list_tree" }
func (listTreeTool) Description() string { return "List files under a directory in the session workspace." }
func (listTreeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string", "default": "."}},
		"additionalProperties": false
	}`)
}

func (t listTreeTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	var params struct {
		Path string `json:"path"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &params); err != nil {
			return &Result{Content: fmt.Sprintf("invalid input: %v", err), IsError: true}, nil
		}
	}
	if params.Path == "" {
		params.Path = "."
	}
	entries, err := t.fs.ListTree(ctx, params.Path)
	if err != nil {
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return &Result{Content: fmt.Sprintf("marshal list_tree result: %v", err), IsError: true}, nil
	}
	return &Result{Content: string(out)}, nil
}
