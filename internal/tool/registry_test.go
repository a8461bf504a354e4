package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type echoTool struct {
	name     string
	internal bool
	schema   json.RawMessage
}

func (e *echoTool) Name() string               { return e.name }
func (e *echoTool) Description() string        { return "echoes its input" }
func (e *echoTool) Schema() json.RawMessage     { return e.schema }
func (e *echoTool) InternalOnly() bool          { return e.internal }
func (e *echoTool) Execute(ctx context.Context, input json.RawMessage) (*Result, error) {
	return &Result{Content: string(input)}, nil
}

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"path": {"type": "string"}},
	"required": ["path"]
}`)

func TestRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"path":"a.txt"}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "echo", schema: echoSchema}); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected validation error for missing required field")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "does_not_exist", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not found") {
		t.Fatalf("expected not-found error, got %+v", res)
	}
}

func TestListExcludesInternalTools(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&echoTool{name: "public_tool"}); err != nil {
		t.Fatalf("register public: %v", err)
	}
	if err := r.Register(&echoTool{name: "run_shell", internal: true}); err != nil {
		t.Fatalf("register internal: %v", err)
	}

	names := map[string]bool{}
	for _, tl := range r.List() {
		names[tl.Name()] = true
	}
	if !names["public_tool"] {
		t.Fatal("expected public_tool to be listed")
	}
	if names["run_shell"] {
		t.Fatal("run_shell must never appear in the model-facing List()")
	}

	if _, ok := r.Get("run_shell"); !ok {
		t.Fatal("Get must still resolve internal tools directly")
	}
}

func TestRegisterRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&echoTool{name: "broken", schema: json.RawMessage(`{"type": 123}`)})
	if err == nil {
		t.Fatal("expected registration to fail on a malformed schema")
	}
}

func TestExecuteEnforcesNameLength(t *testing.T) {
	r := NewRegistry()
	longName := strings.Repeat("a", MaxToolNameLength+1)
	res, err := r.Execute(context.Background(), longName, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for over-length tool name")
	}
}
