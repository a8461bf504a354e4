package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// MaxReadBytes bounds how much of a file read_file returns, following
// internal/tools/files/read.go's size guard.
const MaxReadBytes = 512 * 1024

// FS is the Sandbox FS component: every mutating call snapshots the
// pre-image into a FileVersion before writing, and records the diff
// as a FileChange, so a session's filesystem history can always be
// walked and rolled back. pathLocks serializes the snapshot+write+
// record sequence per path (§5): two sessions writing the same path
// concurrently must not race between allocating a FileVersion.Idx and
// persisting it, or the index sequence stops being dense.
type FS struct {
	root  Resolver
	files store.Files

	pathLocksMu sync.Mutex
	pathLocks   map[string]*pathLock
}

func NewFS(rootDir string, files store.Files) *FS {
	return &FS{root: Resolver{Root: rootDir}, files: files, pathLocks: make(map[string]*pathLock)}
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lockPath serializes callers on the same path and returns the
// unlock/release function; distinct paths never block each other.
func (f *FS) lockPath(path string) func() {
	f.pathLocksMu.Lock()
	lock := f.pathLocks[path]
	if lock == nil {
		lock = &pathLock{}
		f.pathLocks[path] = lock
	}
	lock.refs++
	f.pathLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		f.pathLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(f.pathLocks, path)
		}
		f.pathLocksMu.Unlock()
	}
}

// TreeEntry is one row in a list_tree response.
type TreeEntry struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

// Read returns a file's content, truncated to MaxReadBytes.
func (f *FS) Read(_ context.Context, path string) ([]byte, bool, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, fmt.Errorf("read %s: %w", path, os.ErrNotExist)
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	truncated := false
	if len(data) > MaxReadBytes {
		data = data[:MaxReadBytes]
		truncated = true
	}
	return data, truncated, nil
}

// Write creates or overwrites a file, snapshotting the pre-image (or
// an empty pre-image for a new file) and recording a FileChange with
// the generated diff.
func (f *FS) Write(ctx context.Context, sessionID, turnID, stepID, path, content string) (*models.FileChange, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	defer f.lockPath(path)()

	before := ""
	if data, err := os.ReadFile(abs); err == nil {
		before = string(data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read existing %s: %w", path, err)
	}

	if err := f.snapshot(ctx, sessionID, path, before, ""); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs for %s: %w", path, err)
	}
	if err := atomicWriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	diff := UnifiedDiff(path, before, content)
	return f.recordChange(ctx, sessionID, turnID, stepID, path, diff)
}

// ApplyPatch applies a unified diff to an existing file.
func (f *FS) ApplyPatch(ctx context.Context, sessionID, turnID, stepID, path, patch string) (*models.FileChange, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	defer f.lockPath(path)()

	before, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	after, err := ApplyUnifiedDiff(string(before), patch)
	if err != nil {
		return nil, fmt.Errorf("apply patch to %s: %w", path, err)
	}

	if err := f.snapshot(ctx, sessionID, path, string(before), ""); err != nil {
		return nil, err
	}
	if err := atomicWriteFile(abs, []byte(after), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	return f.recordChange(ctx, sessionID, turnID, stepID, path, patch)
}

// ListTree walks the workspace root under path, skipping nothing (the
// sandbox root is assumed to already exclude anything sensitive).
func (f *FS) ListTree(_ context.Context, path string) ([]TreeEntry, error) {
	abs, err := f.root.Resolve(path)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == abs {
			return nil
		}
		rel, relErr := filepath.Rel(f.root.Root, p)
		if relErr != nil {
			return relErr
		}
		info, infoErr := d.Info()
		var size int64
		if infoErr == nil {
			size = info.Size()
		}
		entries = append(entries, TreeEntry{Path: rel, IsDir: d.IsDir(), Size: size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Versions lists the recorded pre-image snapshots for a path, oldest
// first.
func (f *FS) Versions(ctx context.Context, sessionID, path string) ([]*models.FileVersion, error) {
	return f.files.ListFileVersions(ctx, sessionID, path)
}

// GetVersion fetches one snapshot by id.
func (f *FS) GetVersion(ctx context.Context, id string) (*models.FileVersion, error) {
	return f.files.GetFileVersion(ctx, id)
}

// Rollback restores a file to a previously recorded version, itself
// snapshotting the current content first so rollback is reversible.
func (f *FS) Rollback(ctx context.Context, sessionID, turnID, stepID, versionID string) (*models.FileChange, error) {
	v, err := f.files.GetFileVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	abs, err := f.root.Resolve(v.Path)
	if err != nil {
		return nil, err
	}
	defer f.lockPath(v.Path)()

	current, err := os.ReadFile(abs)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read current %s: %w", v.Path, err)
	}

	if err := f.snapshot(ctx, sessionID, v.Path, string(current), fmt.Sprintf("pre-rollback to version %d", v.Idx)); err != nil {
		return nil, err
	}
	if err := atomicWriteFile(abs, v.Content, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", v.Path, err)
	}

	diff := UnifiedDiff(v.Path, string(current), string(v.Content))
	return f.recordChange(ctx, sessionID, turnID, stepID, v.Path, diff)
}

// atomicWriteFile writes data to a temp file beside target and renames
// it into place, so a crash mid-write never leaves target torn: the
// rename is the only visible state change, and it either lands whole
// or not at all (spec.md:156).
func atomicWriteFile(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(target)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}

func (f *FS) snapshot(ctx context.Context, sessionID, path, content, note string) error {
	idx, err := f.files.NextFileVersionIdx(ctx, sessionID, path)
	if err != nil {
		return fmt.Errorf("allocate version index for %s: %w", path, err)
	}
	v := &models.FileVersion{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Idx:       idx,
		Content:   []byte(content),
		Note:      note,
		CreatedAt: time.Now(),
	}
	if err := f.files.CreateFileVersion(ctx, v); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return nil
}

func (f *FS) recordChange(ctx context.Context, sessionID, turnID, stepID, path, diff string) (*models.FileChange, error) {
	c := &models.FileChange{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TurnID:    turnID,
		StepID:    stepID,
		Path:      path,
		Diff:      diff,
		CreatedAt: time.Now(),
	}
	if err := f.files.CreateFileChange(ctx, c); err != nil {
		return nil, fmt.Errorf("record change to %s: %w", path, err)
	}
	return c, nil
}
