package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	agentcontext "github.com/agentserver/agentserver/internal/context"
	"github.com/agentserver/agentserver/internal/eventbus"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/permission"
	"github.com/agentserver/agentserver/internal/provider"
	memorystore "github.com/agentserver/agentserver/internal/store/memory"
	"github.com/agentserver/agentserver/internal/tool"
)

// fakeModel replies with one queued tool call, then a final text once
// its tool calls are exhausted.
type fakeModel struct {
	calls [][]provider.ToolCall
	idx   int
}

func (m *fakeModel) Name() string          { return "fake" }
func (m *fakeModel) SupportsTools() bool   { return true }
func (m *fakeModel) Complete(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	ch := make(chan *provider.Chunk, 4)
	if m.idx < len(m.calls) {
		for _, tc := range m.calls[m.idx] {
			tc := tc
			ch <- &provider.Chunk{ToolCall: &tc}
		}
		m.idx++
	} else {
		ch <- &provider.Chunk{Text: "done"}
	}
	close(ch)
	return ch, nil
}

type fakeTool struct{ name string }

func (t fakeTool) Name() string           { return t.name }
func (t fakeTool) Description() string    { return "test tool" }
func (t fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t fakeTool) InternalOnly() bool     { return false }
func (t fakeTool) Execute(ctx context.Context, input json.RawMessage) (*tool.Result, error) {
	return &tool.Result{Content: "ok"}, nil
}

func newTestRunner(t *testing.T, model provider.ModelStream) *Runner {
	t.Helper()
	registry := tool.NewRegistry()
	for _, name := range []string{"read_file", "list_tree", "write_file"} {
		if err := registry.Register(fakeTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	st := memorystore.New()
	gate := permission.NewGate(st, time.Minute)
	hub := eventbus.NewHub(st, nil)
	writer := eventbus.NewWriter(st, hub)
	return &Runner{
		Store: st, Writer: writer, Gate: gate, Tools: registry,
		Context: agentcontext.NewBuilder("system"), Model: model, ModelName: "fake",
		ToolTimeout: 5 * time.Second,
	}
}

func TestRunNestedDefaultToolsExcludeWrite(t *testing.T) {
	model := &fakeModel{calls: [][]provider.ToolCall{
		{{ID: "c1", Name: "write_file", Input: json.RawMessage(`{}`)}},
	}}
	r := newTestRunner(t, model)

	var blocks []any
	_, err := r.RunNested(context.Background(), "s1", "task", nil, func(inner any) { blocks = append(blocks, inner) })
	if err != nil {
		t.Fatalf("run nested: %v", err)
	}

	var sawUnknown bool
	for _, b := range blocks {
		if tr, ok := b.(models.ToolResultPayload); ok && tr.ToolCallID == "c1" {
			if tr.Ok || tr.Error != "unknown tool" {
				t.Fatalf("expected write_file to be absent from the default sub-agent toolset, got %+v", tr)
			}
			sawUnknown = true
		}
	}
	if !sawUnknown {
		t.Fatal("expected a tool_result block for the write_file call")
	}
}

func TestRunNestedAllowedToolsCanIncludeWrite(t *testing.T) {
	model := &fakeModel{calls: [][]provider.ToolCall{
		{{ID: "c1", Name: "write_file", Input: json.RawMessage(`{}`)}},
	}}
	r := newTestRunner(t, model)
	if err := r.Store.SetPermissionMode(context.Background(), models.ModeAllow); err != nil {
		t.Fatalf("set permission mode: %v", err)
	}

	var blocks []any
	_, err := r.RunNested(context.Background(), "s1", "task", []string{"write_file"}, func(inner any) { blocks = append(blocks, inner) })
	if err != nil {
		t.Fatalf("run nested: %v", err)
	}

	var ok bool
	for _, b := range blocks {
		if tr, isTR := b.(models.ToolResultPayload); isTR && tr.ToolCallID == "c1" {
			ok = tr.Ok
		}
	}
	if !ok {
		t.Fatal("expected write_file to succeed once explicitly allowed and globally approved")
	}
}

func TestRunNestedGatesToolCallsUnderAskMode(t *testing.T) {
	model := &fakeModel{calls: [][]provider.ToolCall{
		{{ID: "c1", Name: "read_file", Input: json.RawMessage(`{}`)}},
	}}
	r := newTestRunner(t, model)
	// Default global mode is "ask" (memory.New's initial mode); deny
	// via a durable per-tool policy so the test doesn't block forever
	// waiting on an approval that never comes.
	if err := r.Store.UpsertToolPolicy(context.Background(), &models.ToolPolicy{ToolName: "read_file", Policy: models.PolicyDeny}); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}

	var blocks []any
	_, err := r.RunNested(context.Background(), "s1", "task", []string{"read_file"}, func(inner any) { blocks = append(blocks, inner) })
	if err != nil {
		t.Fatalf("run nested: %v", err)
	}

	var denied bool
	for _, b := range blocks {
		if tr, ok := b.(models.ToolResultPayload); ok && tr.ToolCallID == "c1" && !tr.Ok && tr.Error == "denied" {
			denied = true
		}
	}
	if !denied {
		t.Fatal("expected the sub-agent's read_file call to be denied by the per-tool policy, proving it passes through the Gate")
	}
}
