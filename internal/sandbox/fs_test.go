package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentserver/agentserver/internal/store/memory"
)

func TestWriteThenReadRoundtrips(t *testing.T) {
	root := t.TempDir()
	st := memory.New()
	fsys := NewFS(root, st)
	ctx := context.Background()

	if _, err := fsys.Write(ctx, "sess-1", "turn-1", "step-1", "hello.txt", "hello world"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, truncated, err := fsys.Read(ctx, "hello.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	if string(data) != "hello world" {
		t.Fatalf("read = %q, want %q", data, "hello world")
	}
}

func TestWriteSnapshotsPreImage(t *testing.T) {
	root := t.TempDir()
	st := memory.New()
	fsys := NewFS(root, st)
	ctx := context.Background()

	if _, err := fsys.Write(ctx, "sess-1", "turn-1", "step-1", "f.txt", "v1"); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := fsys.Write(ctx, "sess-1", "turn-1", "step-2", "f.txt", "v2"); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	versions, err := fsys.Versions(ctx, "sess-1", "f.txt")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}
	if string(versions[0].Content) != "" {
		t.Fatalf("first snapshot = %q, want empty pre-image", versions[0].Content)
	}
	if string(versions[1].Content) != "v1" {
		t.Fatalf("second snapshot = %q, want v1", versions[1].Content)
	}
	if versions[0].Idx != 1 || versions[1].Idx != 2 {
		t.Fatalf("version idx not dense: %d, %d", versions[0].Idx, versions[1].Idx)
	}
}

func TestRollbackRestoresContentAndSnapshotsCurrent(t *testing.T) {
	root := t.TempDir()
	st := memory.New()
	fsys := NewFS(root, st)
	ctx := context.Background()

	if _, err := fsys.Write(ctx, "sess-1", "t", "s1", "f.txt", "v1"); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	if _, err := fsys.Write(ctx, "sess-1", "t", "s2", "f.txt", "v2"); err != nil {
		t.Fatalf("write 2: %v", err)
	}

	versions, err := fsys.Versions(ctx, "sess-1", "f.txt")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	// versions[1] is the pre-image before the v2 write, i.e. "v1".
	if _, err := fsys.Rollback(ctx, "sess-1", "t", "s3", versions[1].ID); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	data, _, err := fsys.Read(ctx, "f.txt")
	if err != nil {
		t.Fatalf("read after rollback: %v", err)
	}
	if string(data) != "v1" {
		t.Fatalf("read after rollback = %q, want v1", data)
	}

	all, err := fsys.Versions(ctx, "sess-1", "f.txt")
	if err != nil {
		t.Fatalf("versions after rollback: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(versions) after rollback = %d, want 3", len(all))
	}
}

func TestApplyPatchModifiesFile(t *testing.T) {
	root := t.TempDir()
	st := memory.New()
	fsys := NewFS(root, st)
	ctx := context.Background()

	if _, err := fsys.Write(ctx, "sess-1", "t", "s1", "f.txt", "line1\nline2\nline3"); err != nil {
		t.Fatalf("write: %v", err)
	}
	patch := UnifiedDiff("f.txt", "line1\nline2\nline3", "line1\nCHANGED\nline3")

	if _, err := fsys.ApplyPatch(ctx, "sess-1", "t", "s2", "f.txt", patch); err != nil {
		t.Fatalf("apply patch: %v", err)
	}
	data, _, err := fsys.Read(ctx, "f.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "line1\nCHANGED\nline3" {
		t.Fatalf("read after patch = %q", data)
	}
}

func TestListTreeReturnsRelativePaths(t *testing.T) {
	root := t.TempDir()
	st := memory.New()
	fsys := NewFS(root, st)
	ctx := context.Background()

	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := fsys.Write(ctx, "sess-1", "t", "s1", "a/b/c.txt", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := fsys.ListTree(ctx, ".")
	if err != nil {
		t.Fatalf("list_tree: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Path == filepath.Join("a", "b", "c.txt") && !e.IsDir {
			found = true
		}
	}
	if !found {
		t.Fatalf("list_tree did not include a/b/c.txt: %+v", entries)
	}
}
