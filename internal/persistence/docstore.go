package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DocStore is a key-addressed JSON document store on the local filesystem.
// Documents are keyed by (workspace_id, plan_id, doc_type). Mutations go
// through a locked read-modify-write so that independent OS processes
// racing on the same plan state never interleave partial writes.
type DocStore struct {
	root string
}

const (
	lockRetryMax   = 50
	lockRetryDelay = 20 * time.Millisecond
	// lockStaleAfter is when an abandoned lock file (crashed holder) may be
	// broken by another process.
	lockStaleAfter = 30 * time.Second
)

func NewDocStore(root string) (*DocStore, error) {
	if root == "" {
		return nil, fmt.Errorf("doc store root must be non-empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create doc store root: %w", err)
	}
	return &DocStore{root: root}, nil
}

// Available reports whether the document root is still reachable. The
// root can vanish after startup when it lives on removable or remote
// storage.
func (d *DocStore) Available() error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("doc store root %s: %w", d.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("doc store root %s is not a directory", d.root)
	}
	return nil
}

func (d *DocStore) docPath(workspaceID, planID, docType string) string {
	return filepath.Join(d.root, sanitize(workspaceID), sanitize(planID), sanitize(docType)+".json")
}

// Get reads a document into out. Returns found=false if the document does
// not exist.
func (d *DocStore) Get(workspaceID, planID, docType string, out any) (bool, error) {
	data, err := os.ReadFile(d.docPath(workspaceID, planID, docType))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	return true, nil
}

// LockedReadModifyWrite applies mutate under an exclusive file lock.
// mutate receives the current document bytes (nil if absent) and returns
// the replacement bytes; returning nil bytes leaves the document unchanged.
// The write is atomic (temp file + rename) so readers never observe a
// partial document.
func (d *DocStore) LockedReadModifyWrite(ctx context.Context, workspaceID, planID, docType string, mutate func(current []byte) ([]byte, error)) error {
	path := d.docPath(workspaceID, planID, docType)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}

	lockPath := path + ".lock"
	if err := d.acquireLock(ctx, lockPath); err != nil {
		return err
	}
	defer func() { _ = os.Remove(lockPath) }()

	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read document: %w", err)
	}
	if os.IsNotExist(err) {
		current = nil
	}

	updated, err := mutate(current)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, updated, 0o644); err != nil {
		return fmt.Errorf("write document temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	return nil
}

// acquireLock creates the lock file exclusively, retrying with jitter.
// A lock older than lockStaleAfter is treated as abandoned and broken.
func (d *DocStore) acquireLock(ctx context.Context, lockPath string) error {
	for attempt := 0; attempt < lockRetryMax; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, "%d %s", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}

		if info, statErr := os.Stat(lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				// Holder likely crashed; break the lock and retry.
				_ = os.Remove(lockPath)
				continue
			}
		}

		delay := lockRetryDelay + time.Duration(rand.IntN(int(lockRetryDelay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("lock %s: contention timeout after %d attempts", lockPath, lockRetryMax)
}

// DocKey identifies one stored document.
type DocKey struct {
	WorkspaceID string
	PlanID      string
}

// ListDocs enumerates all (workspace, plan) pairs that have a document
// of the given type on disk.
func (d *DocStore) ListDocs(docType string) ([]DocKey, error) {
	var out []DocKey
	workspaces, err := os.ReadDir(d.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read doc store root: %w", err)
	}
	for _, ws := range workspaces {
		if !ws.IsDir() {
			continue
		}
		plans, err := os.ReadDir(filepath.Join(d.root, ws.Name()))
		if err != nil {
			continue
		}
		for _, p := range plans {
			if !p.IsDir() {
				continue
			}
			docPath := filepath.Join(d.root, ws.Name(), p.Name(), sanitize(docType)+".json")
			if _, err := os.Stat(docPath); err == nil {
				out = append(out, DocKey{WorkspaceID: ws.Name(), PlanID: p.Name()})
			}
		}
	}
	return out, nil
}

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")
	out := replacer.Replace(s)
	if out == "" {
		out = "_"
	}
	return out
}
