// Package subagent implements the sub-agent facility: a nested runner
// invocation with an isolated message history and a restricted tool
// allowlist, whose events are tagged with a parent_tool_call_id and
// re-emitted into the parent session's timeline as subagent_block
// events. Adapted from internal/tools/subagent/spawn.go's Manager,
// trading its goroutine-fire-and-forget style (spawn.go's Spawn
// returns immediately and completes the SubAgent asynchronously) for
// a synchronous call that the calling tool blocks on, since spec.md's
// runner treats spawn_subagent as a normal tool call whose Result the
// model waits on.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MaxDepth bounds nesting: a sub-agent's own tool calls may not spawn
// further sub-agents.
const MaxDepth = 1

// Status mirrors models.SubagentStatus without importing models here,
// keeping this package runner-agnostic; callers convert at the
// boundary.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Handle tracks one spawned sub-agent's lifecycle.
type Handle struct {
	ID               string
	ParentToolCallID string
	SessionID        string
	Label            string
	Task             string
	Status           Status
	CreatedAt        time.Time
	CompletedAt      time.Time
	Result           string
	Error            string

	cancel context.CancelFunc
}

// Runner is implemented by the agent runner: RunNested drives a full
// step loop for the sub-agent's task against an isolated history and
// returns its final text. onBlock is called once per inner event the
// nested run produces, letting the manager forward it to the parent
// timeline as it happens rather than only at completion.
type Runner interface {
	RunNested(ctx context.Context, sessionID, task string, allowedTools []string, onBlock func(any)) (string, error)
}

// Manager spawns and tracks sub-agents; one Manager is shared by all
// sessions, so maxActive bounds active sub-agents across sessions.
type Manager struct {
	runner    Runner
	maxActive int

	mu          sync.RWMutex
	agents      map[string]*Handle
	activeCount int64
}

func NewManager(runner Runner, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Manager{runner: runner, maxActive: maxActive, agents: map[string]*Handle{}}
}

// Spawn runs a sub-agent's task to completion (blocking) or returns
// an error immediately if depth or concurrency limits are exceeded.
// onBlock forwards each inner event, tagged with the spawned
// sub-agent's id, to the caller for re-emission as a subagent_block
// event on the parent's timeline. onStatus is called once when the
// sub-agent starts running and once more when it reaches a terminal
// status, letting the caller publish a lifecycle event (models.
// EventSubagent) distinct from the re-emitted inner events; either
// callback may be nil.
func (m *Manager) Spawn(ctx context.Context, depth int, parentToolCallID, parentSessionID, label, task string, allowedTools []string, onBlock func(subagentID string, inner any), onStatus func(h *Handle)) (*Handle, error) {
	if depth >= MaxDepth {
		return nil, fmt.Errorf("sub-agents cannot spawn further sub-agents (max depth %d)", MaxDepth)
	}
	if atomic.LoadInt64(&m.activeCount) >= int64(m.maxActive) {
		return nil, fmt.Errorf("max active sub-agents reached (%d)", m.maxActive)
	}

	nestedCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		ID:               uuid.NewString(),
		ParentToolCallID: parentToolCallID,
		SessionID:        parentSessionID,
		Label:            label,
		Task:             task,
		Status:           StatusRunning,
		CreatedAt:        time.Now(),
		cancel:           cancel,
	}
	m.mu.Lock()
	m.agents[h.ID] = h
	m.mu.Unlock()
	if onStatus != nil {
		onStatus(h)
	}
	atomic.AddInt64(&m.activeCount, 1)
	defer atomic.AddInt64(&m.activeCount, -1)

	result, err := m.runner.RunNested(nestedCtx, parentSessionID, task, allowedTools, func(inner any) {
		onBlock(h.ID, inner)
	})

	m.mu.Lock()
	h.CompletedAt = time.Now()
	if nestedCtx.Err() == context.Canceled {
		h.Status = StatusCancelled
		h.Error = "cancelled"
	} else if err != nil {
		h.Status = StatusFailed
		h.Error = err.Error()
	} else {
		h.Status = StatusCompleted
		h.Result = result
	}
	m.mu.Unlock()
	if onStatus != nil {
		onStatus(h)
	}
	return h, err
}

// Get returns a tracked sub-agent by id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.agents[id]
	return h, ok
}

// List returns every sub-agent spawned under this manager.
func (m *Manager) List() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.agents))
	for _, h := range m.agents {
		out = append(out, h)
	}
	return out
}

// Cancel stops a running sub-agent.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("sub-agent not found: %s", id)
	}
	if h.Status != StatusRunning {
		return fmt.Errorf("sub-agent not running: %s", h.Status)
	}
	h.cancel()
	return nil
}

// ActiveCount reports how many sub-agents are currently running.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}
