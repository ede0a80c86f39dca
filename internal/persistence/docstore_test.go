package persistence

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"
)

type counterDoc struct {
	N int `json:"n"`
}

func TestDocStore_GetMissing(t *testing.T) {
	ds, err := NewDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	var doc counterDoc
	found, err := ds.Get("ws1", "p1", "lease", &doc)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("found = true for missing document")
	}
}

func TestDocStore_ReadModifyWrite(t *testing.T) {
	ds, err := NewDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	ctx := context.Background()

	err = ds.LockedReadModifyWrite(ctx, "ws1", "p1", "lease", func(current []byte) ([]byte, error) {
		if current != nil {
			t.Fatal("expected nil current for new document")
		}
		return json.Marshal(counterDoc{N: 1})
	})
	if err != nil {
		t.Fatalf("LockedReadModifyWrite: %v", err)
	}

	var doc counterDoc
	found, err := ds.Get("ws1", "p1", "lease", &doc)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if doc.N != 1 {
		t.Fatalf("n = %d, want 1", doc.N)
	}
}

func TestDocStore_NilKeepsDocument(t *testing.T) {
	ds, err := NewDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	ctx := context.Background()

	_ = ds.LockedReadModifyWrite(ctx, "ws1", "p1", "lease", func([]byte) ([]byte, error) {
		return json.Marshal(counterDoc{N: 7})
	})
	// Mutator declines to change anything.
	err = ds.LockedReadModifyWrite(ctx, "ws1", "p1", "lease", func(current []byte) ([]byte, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("LockedReadModifyWrite: %v", err)
	}
	var doc counterDoc
	if found, _ := ds.Get("ws1", "p1", "lease", &doc); !found || doc.N != 7 {
		t.Fatalf("doc = %+v found=%v, want n=7", doc, found)
	}
}

func TestDocStore_ConcurrentIncrements(t *testing.T) {
	ds, err := NewDocStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	ctx := context.Background()

	const writers = 8
	const perWriter = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				err := ds.LockedReadModifyWrite(ctx, "ws1", "p1", "counter", func(current []byte) ([]byte, error) {
					var doc counterDoc
					if current != nil {
						if err := json.Unmarshal(current, &doc); err != nil {
							return nil, err
						}
					}
					doc.N++
					return json.Marshal(doc)
				})
				if err != nil {
					t.Errorf("LockedReadModifyWrite: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	var doc counterDoc
	if found, _ := ds.Get("ws1", "p1", "counter", &doc); !found {
		t.Fatal("counter document missing")
	}
	if doc.N != writers*perWriter {
		t.Fatalf("n = %d, want %d (lost updates)", doc.N, writers*perWriter)
	}
}

func TestDocStore_BreaksStaleLock(t *testing.T) {
	root := t.TempDir()
	ds, err := NewDocStore(root)
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	ctx := context.Background()

	// Plant an abandoned lock file and age it past the stale threshold.
	path := ds.docPath("ws1", "p1", "lease")
	if err := os.MkdirAll(root+"/ws1/p1", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("99999 crashed"), 0o644); err != nil {
		t.Fatalf("plant lock: %v", err)
	}
	old := time.Now().Add(-2 * lockStaleAfter)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("age lock: %v", err)
	}

	err = ds.LockedReadModifyWrite(ctx, "ws1", "p1", "lease", func([]byte) ([]byte, error) {
		return json.Marshal(counterDoc{N: 1})
	})
	if err != nil {
		t.Fatalf("stale lock not broken: %v", err)
	}
}
