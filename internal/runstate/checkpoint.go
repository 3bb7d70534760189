package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ErrWorkspaceMismatch is returned by Reconcile when the workspace's
// current content hash does not match a loaded Checkpoint's hash. This is
// fatal; resuming requires operator confirmation, never automatic
// override.
var ErrWorkspaceMismatch = errors.New("runstate: workspace content hash does not match checkpoint")

// Checkpoint is the per-phase resumable state written atomically after
// every completed iteration and every phase transition.
type Checkpoint struct {
	Phase           string `json:"phase"`
	IterationsUsed  int    `json:"iterations_used"`
	ProgressPercent int    `json:"progress_percent"`
	WorkspaceHash   string `json:"workspace_hash"`
	Summary         string `json:"summary"`
}

// WriteCheckpoint persists cp to path atomically: write to a sibling temp
// file, then rename over path. Mirrors StateManager.writeAtomic.
func WriteCheckpoint(path string, cp Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("runstate: creating checkpoint directory %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: encoding checkpoint for phase %q: %w", cp.Phase, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("runstate: writing temp checkpoint %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return fmt.Errorf("runstate: renaming checkpoint to %q: %w", path, err)
	}
	return nil
}

// ReadCheckpoint loads a Checkpoint from path. A missing file returns
// (Checkpoint{}, false, nil), not an error.
func ReadCheckpoint(path string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("runstate: reading checkpoint %q: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("runstate: decoding checkpoint %q: %w", path, err)
	}
	return cp, true, nil
}

// WorkspaceHash computes a deterministic xxhash digest over the relative
// paths and sizes of every regular file under root, skipping dotdirs
// (.git, .forge) which are run metadata, not workspace content. This is a
// cheap, non-cryptographic fingerprint suitable only for "has the tree
// changed since the last checkpoint", not for integrity verification.
func WorkspaceHash(root string) (string, error) {
	type entry struct {
		path string
		size int64
	}
	var entries []entry

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name != "." && len(name) > 0 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, entry{path: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("runstate: hashing workspace %q: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	h := xxhash.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s:%d\n", e.path, e.size)
	}
	return fmt.Sprintf("%x", h.Sum64()), nil
}

// Reconcile compares the current workspace hash against cp.WorkspaceHash.
// A mismatch returns ErrWorkspaceMismatch; the caller must refuse to
// resume and require operator confirmation.
func Reconcile(root string, cp Checkpoint) error {
	current, err := WorkspaceHash(root)
	if err != nil {
		return err
	}
	if current != cp.WorkspaceHash {
		return fmt.Errorf("%w: phase %q expected %q, got %q",
			ErrWorkspaceMismatch, cp.Phase, cp.WorkspaceHash, current)
	}
	return nil
}
