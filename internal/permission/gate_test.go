package permission

import (
	"context"
	"testing"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	memorystore "github.com/agentserver/agentserver/internal/store/memory"
)

func TestCheckGlobalAllowMode(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	if err := st.SetPermissionMode(ctx, models.ModeAllow); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	g := NewGate(st, time.Minute)

	d, err := g.Check(ctx, "s1", "t1", "p1", "write_file", nil, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Approved {
		t.Fatal("expected approved under global allow mode")
	}
}

func TestCheckPerToolPolicyDeny(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	if err := st.UpsertToolPolicy(ctx, &models.ToolPolicy{ToolName: "write_file", Policy: models.PolicyDeny}); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
	g := NewGate(st, time.Minute)

	d, err := g.Check(ctx, "s1", "t1", "p1", "write_file", nil, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Approved {
		t.Fatal("expected denied by per-tool policy")
	}
}

func TestSpawnSubagentAlwaysApproved(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	if err := st.UpsertToolPolicy(ctx, &models.ToolPolicy{ToolName: spawnSubagentTool, Policy: models.PolicyDeny}); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
	g := NewGate(st, time.Minute)

	d, err := g.Check(ctx, "s1", "t1", "p1", spawnSubagentTool, nil, nil)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Approved {
		t.Fatal("spawn_subagent must bypass the gate even with a deny policy on record")
	}
}

func TestAskAndResolveApprove(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	g := NewGate(st, time.Minute)

	var reqID string
	done := make(chan Decision, 1)
	go func() {
		d, err := g.Check(ctx, "s1", "t1", "p1", "write_file", []byte(`{"path":"a.txt"}`), func(r *models.PermissionRequest) {
			reqID = r.ID
		})
		if err != nil {
			t.Errorf("check: %v", err)
			return
		}
		done <- d
	}()

	deadline := time.After(time.Second)
	for reqID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for onAsk callback")
		case <-time.After(time.Millisecond):
		}
	}

	if err := g.Resolve(ctx, reqID, true, models.ScopeOnce); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case d := <-done:
		if !d.Approved {
			t.Fatal("expected approved decision")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Check to return")
	}
}

func TestResolveTwiceReturnsConflict(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	g := NewGate(st, time.Minute)

	var reqID string
	go g.Check(ctx, "s1", "t1", "p1", "write_file", nil, func(r *models.PermissionRequest) {
		reqID = r.ID
	})

	deadline := time.After(time.Second)
	for reqID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for onAsk callback")
		case <-time.After(time.Millisecond):
		}
	}

	if err := g.Resolve(ctx, reqID, true, models.ScopeOnce); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := g.Resolve(ctx, reqID, true, models.ScopeOnce); err == nil {
		t.Fatal("expected conflict resolving an already-resolved request")
	}
}

func TestSessionScopePersistsForSessionOnly(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	g := NewGate(st, time.Minute)

	var reqID string
	go g.Check(ctx, "s1", "t1", "p1", "write_file", nil, func(r *models.PermissionRequest) {
		reqID = r.ID
	})
	deadline := time.After(time.Second)
	for reqID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for onAsk callback")
		case <-time.After(time.Millisecond):
		}
	}
	if err := g.Resolve(ctx, reqID, true, models.ScopeSession); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	d, err := g.Check(ctx, "s1", "t1", "p2", "write_file", nil, nil)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !d.Approved || d.Scope != models.ScopeSession {
		t.Fatalf("expected session-scoped approval on repeat call, got %+v", d)
	}

	d2, err := g.Check(ctx, "s2", "t1", "p1", "write_file", nil, nil)
	if err != nil {
		t.Fatalf("other session check: %v", err)
	}
	if d2.Approved {
		t.Fatal("session-scoped approval must not leak to a different session")
	}
}

func TestAlwaysScopeUpsertsDurablePolicy(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	g := NewGate(st, time.Minute)

	var reqID string
	go g.Check(ctx, "s1", "t1", "p1", "write_file", nil, func(r *models.PermissionRequest) {
		reqID = r.ID
	})
	deadline := time.After(time.Second)
	for reqID == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for onAsk callback")
		case <-time.After(time.Millisecond):
		}
	}
	if err := g.Resolve(ctx, reqID, true, models.ScopeAlways); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	p, err := st.GetToolPolicy(ctx, "write_file")
	if err != nil {
		t.Fatalf("get tool policy: %v", err)
	}
	if p.Policy != models.PolicyAllow {
		t.Fatalf("expected durable allow policy, got %v", p.Policy)
	}
}
