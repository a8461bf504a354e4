package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &models.Session{ID: "s1", Title: "hello", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "hello" {
		t.Fatalf("title = %q", got.Title)
	}

	sess.Title = "renamed"
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetSession(ctx, "s1")
	if got.Title != "renamed" {
		t.Fatalf("title after update = %q", got.Title)
	}

	if _, err := s.GetSession(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionDeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess := &models.Session{ID: "s1", Title: "t", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	turn := &models.Turn{ID: "t1", SessionID: "s1", UserText: "hi", CreatedAt: time.Now()}
	if err := s.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("create turn: %v", err)
	}
	draft := store.EventDraft{SessionID: "s1", TurnID: "t1", Type: models.EventFinal, Ts: 1.0, Payload: models.FinalPayload{Text: "hi"}}
	if _, err := s.AppendEvent(ctx, draft); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTurn(ctx, "t1"); err != store.ErrNotFound {
		t.Fatalf("expected turn gone, got %v", err)
	}
	evs, err := s.EventsSince(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected no events after cascade delete, got %d", len(evs))
	}
}

func TestEventSeqIsDenseAndMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := &models.Session{ID: "s1", Title: "t", Status: models.SessionIdle, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var lastID int64
	for i := 0; i < 5; i++ {
		draft := store.EventDraft{SessionID: "s1", Ts: float64(i), Type: models.EventStatus, Payload: models.StatusPayload{Status: models.SessionIdle}}
		e, err := s.AppendEvent(ctx, draft)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if e.Seq != int64(i+1) {
			t.Fatalf("seq[%d] = %d, want %d", i, e.Seq, i+1)
		}
		if e.ID <= lastID {
			t.Fatalf("global id not increasing: %d <= %d", e.ID, lastID)
		}
		lastID = e.ID
	}

	events, err := s.EventsSince(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Fatalf("event[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestPermissionRequestResolvesOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := &models.PermissionRequest{
		ID: "p1", SessionID: "s1", TurnID: "t1", StepID: "st1",
		ToolName: "write_file", Status: models.PermissionPending, CreatedAt: time.Now(),
	}
	if err := s.CreatePermissionRequest(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.ResolvePermissionRequest(ctx, "p1", models.PermissionApproved, models.ScopeOnce, time.Now()); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if err := s.ResolvePermissionRequest(ctx, "p1", models.PermissionDenied, models.ScopeOnce, time.Now()); err != store.ErrConflict {
		t.Fatalf("second resolve should conflict, got %v", err)
	}
}

func TestFileVersionIdxIsDense(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for i := 1; i <= 3; i++ {
		idx, err := s.NextFileVersionIdx(ctx, "s1", "a.txt")
		if err != nil {
			t.Fatalf("next idx: %v", err)
		}
		if idx != i {
			t.Fatalf("idx = %d, want %d", idx, i)
		}
		v := &models.FileVersion{ID: uuidLike(i), SessionID: "s1", Path: "a.txt", Idx: idx, Content: []byte("v"), CreatedAt: time.Now()}
		if err := s.CreateFileVersion(ctx, v); err != nil {
			t.Fatalf("create version: %v", err)
		}
	}
	versions, err := s.ListFileVersions(ctx, "s1", "a.txt")
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
}

func uuidLike(i int) string {
	return "v" + string(rune('0'+i))
}
