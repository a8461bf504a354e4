// Package permission implements the Permission Gate: resolution order
// (spawn_subagent bypass -> global mode -> session override ->
// per-tool policy -> ask), the blocking wait for an
// external resolution, and scope-based persistence of that decision.
// The resolution order and scope semantics follow
// internal/agent/approval.go's ApprovalChecker.Check and
// original_source/nanobot/web/permissions.py's effective_policy /
// resolve.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/agentserver/internal/metrics"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// Decision is the outcome the runner acts on.
type Decision struct {
	Approved bool
	Scope    models.PermissionScope
	// RequestID is set when the decision passed through an ask flow,
	// so the runner can reference it in the tool_call event.
	RequestID string
}

// DefaultPermissionTimeout is how long a pending request waits for an
// external resolution before it expires (§4.4).
const DefaultPermissionTimeout = 5 * time.Minute

// Gate resolves (session, tool, input) into a Decision, blocking on
// "ask" until resolved or timed out.
type Gate struct {
	store   store.ToolPolicies
	perms   store.Permissions
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]chan Decision
	sessions  map[string]map[string]models.ToolPolicyDecision // session-scoped overrides, in-memory only

	// Metrics is optional; a nil Metrics records nothing.
	Metrics *metrics.Metrics
}

func (g *Gate) recordDecision(outcome string) {
	if g.Metrics != nil {
		g.Metrics.PermissionDecisions.WithLabelValues(outcome).Inc()
	}
}

func NewGate(st interface {
	store.ToolPolicies
	store.Permissions
}, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultPermissionTimeout
	}
	return &Gate{
		store:    st,
		perms:    st,
		timeout:  timeout,
		pending:  map[string]chan Decision{},
		sessions: map[string]map[string]models.ToolPolicyDecision{},
	}
}

// spawnSubagentTool is exempted from the gate: it only starts a
// nested runner and does nothing to the filesystem or network by
// itself; the sub-agent's own tool calls still pass through the gate
// (nanobot/web/permissions.py effective_policy()).
const spawnSubagentTool = "spawn_subagent"

// Check runs the resolution order in §4.4. onAsk is invoked with the
// created PermissionRequest before Check blocks, so the caller can
// publish the tool_call(status=permission_required) event.
func (g *Gate) Check(ctx context.Context, session, turn, step, toolName string, input []byte, onAsk func(*models.PermissionRequest)) (Decision, error) {
	if toolName == spawnSubagentTool {
		return Decision{Approved: true, Scope: models.ScopeOnce}, nil
	}

	mode, err := g.store.GetPermissionMode(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("read permission mode: %w", err)
	}
	if mode == models.ModeAllow {
		g.recordDecision("mode_allow")
		return Decision{Approved: true, Scope: models.ScopeOnce}, nil
	}

	if policy, ok := g.sessionOverride(session, toolName); ok {
		approved := policy == models.PolicyAllow
		if approved {
			g.recordDecision("session_allow")
		} else {
			g.recordDecision("session_deny")
		}
		return Decision{Approved: approved, Scope: models.ScopeSession}, nil
	}

	policy, err := g.effectivePolicy(ctx, toolName)
	if err != nil {
		return Decision{}, err
	}
	switch policy {
	case models.PolicyDeny:
		g.recordDecision("policy_deny")
		return Decision{Approved: false, Scope: models.ScopeOnce}, nil
	case models.PolicyAllow:
		g.recordDecision("policy_allow")
		return Decision{Approved: true, Scope: models.ScopeOnce}, nil
	}

	// ask: create a pending request and block.
	req := &models.PermissionRequest{
		ID:        uuid.NewString(),
		SessionID: session,
		TurnID:    turn,
		StepID:    step,
		ToolName:  toolName,
		Input:     input,
		Status:    models.PermissionPending,
		CreatedAt: time.Now(),
	}
	if err := g.perms.CreatePermissionRequest(ctx, req); err != nil {
		return Decision{}, fmt.Errorf("create permission request: %w", err)
	}

	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.pending[req.ID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if onAsk != nil {
		onAsk(req)
	}

	select {
	case d := <-ch:
		return d, nil
	case <-time.After(g.timeout):
		_ = g.perms.ResolvePermissionRequest(ctx, req.ID, models.PermissionExpired, models.ScopeOnce, time.Now())
		g.recordDecision("expired")
		return Decision{Approved: false, Scope: models.ScopeOnce, RequestID: req.ID}, nil
	case <-ctx.Done():
		_ = g.perms.ResolvePermissionRequest(ctx, req.ID, models.PermissionExpired, models.ScopeOnce, time.Now())
		g.recordDecision("expired")
		return Decision{Approved: false, Scope: models.ScopeOnce, RequestID: req.ID}, ctx.Err()
	}
}

func (g *Gate) effectivePolicy(ctx context.Context, toolName string) (models.ToolPolicyDecision, error) {
	p, err := g.store.GetToolPolicy(ctx, toolName)
	if err != nil {
		if err == store.ErrNotFound {
			return models.PolicyAsk, nil // default when unconfigured
		}
		return "", fmt.Errorf("get tool policy: %w", err)
	}
	return p.Policy, nil
}

func (g *Gate) sessionOverride(sessionID, toolName string) (models.ToolPolicyDecision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	overrides, ok := g.sessions[sessionID]
	if !ok {
		return "", false
	}
	p, ok := overrides[toolName]
	return p, ok
}

// Resolve applies an external decision to a pending request. It is
// idempotent-safe: resolving an already-resolved or expired request
// returns store.ErrConflict, satisfying invariant 5 (a request
// transitions out of pending at most once).
func (g *Gate) Resolve(ctx context.Context, requestID string, approved bool, scope models.PermissionScope) error {
	req, err := g.perms.GetPermissionRequest(ctx, requestID)
	if err != nil {
		return err
	}

	status := models.PermissionDenied
	if approved {
		status = models.PermissionApproved
	}
	if err := g.perms.ResolvePermissionRequest(ctx, requestID, status, scope, time.Now()); err != nil {
		return err
	}
	if approved {
		g.recordDecision("ask_allow")
	} else {
		g.recordDecision("ask_deny")
	}

	switch scope {
	case models.ScopeAlways:
		policy := models.PolicyDeny
		if approved {
			policy = models.PolicyAllow
		}
		if err := g.store.UpsertToolPolicy(ctx, &models.ToolPolicy{ToolName: req.ToolName, Policy: policy}); err != nil {
			return fmt.Errorf("persist always-scope policy: %w", err)
		}
	case models.ScopeSession:
		policy := models.PolicyDeny
		if approved {
			policy = models.PolicyAllow
		}
		g.mu.Lock()
		if g.sessions[req.SessionID] == nil {
			g.sessions[req.SessionID] = map[string]models.ToolPolicyDecision{}
		}
		g.sessions[req.SessionID][req.ToolName] = policy
		g.mu.Unlock()
	}

	g.mu.Lock()
	ch, ok := g.pending[requestID]
	g.mu.Unlock()
	if ok {
		ch <- Decision{Approved: approved, Scope: scope, RequestID: requestID}
	}
	return nil
}

// UnmarshalInput is a convenience for handlers rendering the pending
// request's input back to a client.
func UnmarshalInput(req *models.PermissionRequest) (map[string]any, error) {
	if len(req.Input) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Input, &m); err != nil {
		return nil, fmt.Errorf("unmarshal permission request input: %w", err)
	}
	return m, nil
}
