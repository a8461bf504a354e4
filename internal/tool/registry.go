package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits, following tool_registry.go's guards.
const (
	MaxToolNameLength  = 256
	MaxToolParamsSize  = 10 << 20
	schemaResourceName = "schema.json"
)

// Registry holds the tools available to a runner, validating input
// against each tool's JSON Schema before dispatch.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	schemas  map[string]*jsonschema.Schema
	internal map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    map[string]Tool{},
		schemas:  map[string]*jsonschema.Schema{},
		internal: map[string]bool{},
	}
}

// Register compiles the tool's schema eagerly so a malformed schema
// fails at startup, not on first call.
func (r *Registry) Register(t Tool) error {
	compiled, err := compileSchema(t.Schema())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = compiled
	if it, ok := t.(Internal); ok {
		r.internal[t.Name()] = it.InternalOnly()
	}
	return nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResourceName, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(schemaResourceName)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools exposed to the model, excluding internal-only
// ones.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if r.internal[name] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Execute validates then dispatches a tool call. Validation and size
// failures return a Result with IsError set rather than a Go error,
// so the runner can feed the failure back to the model as a normal
// tool_result.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (*Result, error) {
	if len(name) > MaxToolNameLength {
		return &Result{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(input) > MaxToolParamsSize {
		return &Result{Content: fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + name, IsError: true}, nil
	}

	if schema != nil {
		var v any
		if len(input) == 0 {
			input = []byte("{}")
		}
		if err := json.Unmarshal(input, &v); err != nil {
			return &Result{Content: fmt.Sprintf("invalid tool input: %v", err), IsError: true}, nil
		}
		if err := schema.Validate(v); err != nil {
			return &Result{Content: fmt.Sprintf("tool input failed validation: %v", err), IsError: true}, nil
		}
	}

	return t.Execute(ctx, input)
}
