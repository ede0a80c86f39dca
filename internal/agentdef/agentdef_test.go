package agentdef

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureStarterDefinitions(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if err := store.EnsureStarterDefinitions(); err != nil {
		t.Fatalf("EnsureStarterDefinitions: %v", err)
	}

	names, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("names = %v, want 3 starters", names)
	}

	def, err := store.GetAgent("hub")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if def.Content == "" {
		t.Fatal("hub definition has no content")
	}
	keys, err := store.GetRequiredContextKeys("hub")
	if err != nil {
		t.Fatalf("GetRequiredContextKeys: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("hub definition has no required context keys")
	}
}

func TestEnsureStarterDefinitions_DoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("name: hub\ncontent: customized hub\n")
	if err := os.WriteFile(filepath.Join(dir, "hub.yaml"), custom, 0o644); err != nil {
		t.Fatalf("write custom: %v", err)
	}

	store := NewStore(dir)
	if err := store.EnsureStarterDefinitions(); err != nil {
		t.Fatalf("EnsureStarterDefinitions: %v", err)
	}

	def, err := store.GetAgent("hub")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if def.Content != "customized hub" {
		t.Fatalf("content = %q, want customized hub preserved", def.Content)
	}
}

func TestGetAgent_Unknown(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.GetAgent("ghost"); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestReloadPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	if _, err := store.List(); err != nil {
		t.Fatalf("List: %v", err)
	}
	def := []byte("name: planner\ncontent: plan things\n")
	if err := os.WriteFile(filepath.Join(dir, "planner.yaml"), def, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Cached: new file invisible until reload.
	if _, err := store.GetAgent("planner"); err == nil {
		t.Fatal("cache returned agent before Reload")
	}
	store.Reload()
	if _, err := store.GetAgent("planner"); err != nil {
		t.Fatalf("GetAgent after Reload: %v", err)
	}
}

func TestUnresolvedKeys(t *testing.T) {
	payload := map[string]any{
		"plan": map[string]any{"id": "p1"},
		"workspace": map[string]any{
			"path":   "/tmp/ws",
			"branch": "",
		},
		"round": 3,
	}

	missing := UnresolvedKeys([]string{"plan.id", "workspace.path", "round"}, payload)
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}

	missing = UnresolvedKeys([]string{"plan.id", "workspace.branch", "workspace.owner", "plan.id.deep"}, payload)
	want := map[string]bool{"workspace.branch": true, "workspace.owner": true, "plan.id.deep": true}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v, want %v", missing, want)
	}
	for _, key := range missing {
		if !want[key] {
			t.Fatalf("unexpected missing key %q", key)
		}
	}
}
