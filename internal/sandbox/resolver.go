// Package sandbox implements the Sandbox FS component: path
// confinement, read/write/patch/list_tree/versions/rollback, all
// backed by per-session FileVersion snapshots in the Store. The path
// resolution follows internal/tools/files/resolver.go, extended with
// the symlink-escape check that file lacked (spec invariant: reject
// symlinks pointing outside the root).
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolver confines relative paths to a workspace root.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path guaranteed to be inside
// Root, or an error if the path escapes it via "..", an absolute path
// outside the root, or a symlink whose target resolves outside.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if err := insideRoot(rootAbs, targetAbs); err != nil {
		return "", err
	}

	if err := r.checkSymlinkEscape(rootAbs, targetAbs); err != nil {
		return "", err
	}
	return targetAbs, nil
}

func insideRoot(rootAbs, targetAbs string) error {
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("path escapes workspace")
	}
	return nil
}

// checkSymlinkEscape walks up from the deepest existing ancestor of
// targetAbs, resolving any symlinks along the way, and rejects the
// path if the fully-resolved form lands outside rootAbs. Components
// that do not exist yet (the file being created) are allowed; only
// existing symlinks are checked.
func (r Resolver) checkSymlinkEscape(rootAbs, targetAbs string) error {
	existing := targetAbs
	var missing []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		missing = append(missing, filepath.Base(existing))
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("resolve symlinks: %w", err)
	}

	rebuilt := resolved
	for i := len(missing) - 1; i >= 0; i-- {
		rebuilt = filepath.Join(rebuilt, missing[i])
	}
	return insideRoot(rootAbs, rebuilt)
}
