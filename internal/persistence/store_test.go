package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "planhub.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpen_SchemaLedger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planhub.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen verifies the checksum path.
	store2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer store2.Close()

	var checksum string
	if err := store2.DB().QueryRow(`SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersionLatest).Scan(&checksum); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if checksum != schemaChecksumLatest {
		t.Fatalf("checksum = %q, want %q", checksum, schemaChecksumLatest)
	}
}

func TestSessions_CreateCompleteRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess := AgentSession{
		SessionID:   "s1",
		WorkspaceID: "ws1",
		PlanID:      "p1",
		AgentType:   "executor",
		Context:     map[string]string{"phase": "build"},
	}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.CompletedAt != nil {
		t.Fatal("new session should be open")
	}
	if got.Context["phase"] != "build" {
		t.Fatalf("context = %v, want phase=build", got.Context)
	}

	if err := store.CompleteSession(ctx, "s1", "handoff to reviewer"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	got, err = store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if got.Summary != "handoff to reviewer" {
		t.Fatalf("summary = %q", got.Summary)
	}

	// Idempotent: second completion keeps the original time, appends note.
	first := *got.CompletedAt
	if err := store.CompleteSession(ctx, "s1", "recovery sweep"); err != nil {
		t.Fatalf("CompleteSession again: %v", err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if !got.CompletedAt.Equal(first) {
		t.Fatalf("completed_at changed on repeat completion: %v vs %v", got.CompletedAt, first)
	}
}

func TestSessions_ListOpen(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.CreateSession(ctx, AgentSession{SessionID: id, WorkspaceID: "ws1", PlanID: "p1", AgentType: "executor"}); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
	}
	if err := store.CompleteSession(ctx, "b", "done"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}

	open, err := store.ListOpenSessions(ctx, "ws1", "p1")
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open sessions = %d, want 2", len(open))
	}
}

func TestSessions_TouchStart(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.CreateSession(ctx, AgentSession{SessionID: "s1", WorkspaceID: "ws1", PlanID: "p1", AgentType: "hub"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	past := time.Now().Add(-21 * time.Minute)
	if err := store.TouchSessionStart(ctx, "s1", past); err != nil {
		t.Fatalf("TouchSessionStart: %v", err)
	}
	got, _ := store.GetSession(ctx, "s1")
	if time.Since(got.StartedAt) < 20*time.Minute {
		t.Fatalf("started_at not aged: %v", got.StartedAt)
	}
}

func TestRegistry_UpsertAndPeers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	entries := []RegistryEntry{
		{SessionID: "s1", WorkspaceID: "ws1", AgentType: "executor", PlanID: "p1", StepIndices: []int{1, 2}, FilesInScope: []string{"a.go"}},
		{SessionID: "s2", WorkspaceID: "ws1", AgentType: "reviewer", PlanID: "p1", StepIndices: []int{3}},
		{SessionID: "s3", WorkspaceID: "ws2", AgentType: "executor", PlanID: "p9"},
	}
	for _, e := range entries {
		if err := store.UpsertRegistryEntry(ctx, e); err != nil {
			t.Fatalf("UpsertRegistryEntry %s: %v", e.SessionID, err)
		}
	}

	peers, err := store.ActivePeerEntries(ctx, "ws1", "s1")
	if err != nil {
		t.Fatalf("ActivePeerEntries: %v", err)
	}
	if len(peers) != 1 || peers[0].SessionID != "s2" {
		t.Fatalf("peers = %+v, want only s2", peers)
	}

	// Upsert replaces content wholesale.
	if err := store.UpsertRegistryEntry(ctx, RegistryEntry{
		SessionID: "s2", WorkspaceID: "ws1", AgentType: "reviewer", PlanID: "p1",
		CurrentPhase: "review", StepIndices: []int{4, 5},
	}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, err := store.GetRegistryEntry(ctx, "s2")
	if err != nil {
		t.Fatalf("GetRegistryEntry: %v", err)
	}
	if got.CurrentPhase != "review" {
		t.Fatalf("phase = %q, want review", got.CurrentPhase)
	}
	if len(got.StepIndices) != 2 || got.StepIndices[0] != 4 {
		t.Fatalf("steps = %v, want [4 5]", got.StepIndices)
	}
}

func TestRegistry_CompleteExcludesFromPeers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.UpsertRegistryEntry(ctx, RegistryEntry{SessionID: "s1", WorkspaceID: "ws1", AgentType: "executor", PlanID: "p1"})
	_ = store.UpsertRegistryEntry(ctx, RegistryEntry{SessionID: "s2", WorkspaceID: "ws1", AgentType: "reviewer", PlanID: "p1"})

	if err := store.CompleteRegistryEntry(ctx, "s2"); err != nil {
		t.Fatalf("CompleteRegistryEntry: %v", err)
	}
	// Idempotent.
	if err := store.CompleteRegistryEntry(ctx, "s2"); err != nil {
		t.Fatalf("CompleteRegistryEntry repeat: %v", err)
	}

	peers, err := store.ActivePeerEntries(ctx, "ws1", "s1")
	if err != nil {
		t.Fatalf("ActivePeerEntries: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("peers = %+v, want none", peers)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	store := openTestStore(t)
	got, err := store.GetRegistryEntry(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRegistryEntry: %v", err)
	}
	if got != nil {
		t.Fatalf("got = %+v, want nil", got)
	}
}

func TestRecoveryAudit_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := RecoveryRecord{
		WorkspaceID: "ws1", PlanID: "p1",
		StepsReset: 2, SessionsEnded: 1, LeaseReleased: true,
		Note: "stale run recovered",
	}
	if err := store.AppendRecoveryRecord(ctx, rec); err != nil {
		t.Fatalf("AppendRecoveryRecord: %v", err)
	}

	records, err := store.ListRecoveryRecords(ctx, "ws1", "p1", 10)
	if err != nil {
		t.Fatalf("ListRecoveryRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	got := records[0]
	if got.StepsReset != 2 || got.SessionsEnded != 1 || !got.LeaseReleased {
		t.Fatalf("record = %+v", got)
	}
}
