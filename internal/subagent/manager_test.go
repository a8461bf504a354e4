package subagent

import (
	"context"
	"errors"
	"testing"
)

type fakeRunner struct {
	result string
	err    error
	calls  int
}

func (f *fakeRunner) RunNested(ctx context.Context, sessionID, task string, allowedTools []string, onBlock func(any)) (string, error) {
	f.calls++
	onBlock(map[string]string{"task": task})
	return f.result, f.err
}

func TestSpawnCompletesAndTracksHandle(t *testing.T) {
	fr := &fakeRunner{result: "done"}
	m := NewManager(fr, 5)

	var blocked []string
	h, err := m.Spawn(context.Background(), 0, "call-1", "s1", "helper", "do the thing", nil,
		func(subagentID string, inner any) { blocked = append(blocked, subagentID) }, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if h.Status != StatusCompleted {
		t.Fatalf("status = %v, want completed", h.Status)
	}
	if h.Result != "done" {
		t.Fatalf("result = %q", h.Result)
	}
	if len(blocked) != 1 || blocked[0] != h.ID {
		t.Fatalf("onBlock forwarded ids = %v, want [%s]", blocked, h.ID)
	}

	got, ok := m.Get(h.ID)
	if !ok || got != h {
		t.Fatal("Get did not return the spawned handle")
	}
}

func TestSpawnRejectsMaxDepth(t *testing.T) {
	fr := &fakeRunner{}
	m := NewManager(fr, 5)

	_, err := m.Spawn(context.Background(), MaxDepth, "call-1", "s1", "helper", "task", nil, func(string, any) {}, nil)
	if err == nil {
		t.Fatal("expected an error spawning at max depth")
	}
	if fr.calls != 0 {
		t.Fatal("RunNested must not be called when depth is already at the limit")
	}
}

func TestSpawnRecordsFailure(t *testing.T) {
	fr := &fakeRunner{err: errors.New("boom")}
	m := NewManager(fr, 5)

	h, err := m.Spawn(context.Background(), 0, "call-1", "s1", "helper", "task", nil, func(string, any) {}, nil)
	if err == nil {
		t.Fatal("expected the spawn error to propagate")
	}
	if h.Status != StatusFailed || h.Error != "boom" {
		t.Fatalf("handle = %+v, want failed/boom", h)
	}
}

func TestSpawnRejectsAtActiveLimit(t *testing.T) {
	fr := &fakeRunner{}
	m := NewManager(fr, 0) // maxActive <= 0 defaults to 5; drain it manually below
	m.activeCount = int64(m.maxActive)

	_, err := m.Spawn(context.Background(), 0, "call-1", "s1", "helper", "task", nil, func(string, any) {}, nil)
	if err == nil {
		t.Fatal("expected an error spawning while at the active-sub-agent limit")
	}
}

func TestActiveCountReturnsToZeroAfterCompletion(t *testing.T) {
	fr := &fakeRunner{result: "ok"}
	m := NewManager(fr, 5)

	if _, err := m.Spawn(context.Background(), 0, "call-1", "s1", "helper", "task", nil, func(string, any) {}, nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("active count = %d, want 0 after completion", m.ActiveCount())
	}
}

func TestSpawnReportsRunningThenTerminalStatus(t *testing.T) {
	fr := &fakeRunner{result: "done"}
	m := NewManager(fr, 5)

	var statuses []Status
	h, err := m.Spawn(context.Background(), 0, "call-1", "s1", "helper", "task", nil,
		func(string, any) {},
		func(handle *Handle) { statuses = append(statuses, handle.Status) })
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("onStatus called %d times, want 2", len(statuses))
	}
	if statuses[0] != StatusRunning {
		t.Fatalf("first status = %v, want running", statuses[0])
	}
	if statuses[1] != StatusCompleted || statuses[1] != h.Status {
		t.Fatalf("final status = %v, want completed", statuses[1])
	}
}
