package deploy

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/planhub/internal/agentdef"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/registry"
)

type fixture struct {
	mat       *Materializer
	reg       *registry.Service
	workspace string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := persistence.Open(filepath.Join(dir, "planhub.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	defs := agentdef.NewStore(filepath.Join(dir, "agents"))
	if err := defs.EnsureStarterDefinitions(); err != nil {
		t.Fatalf("EnsureStarterDefinitions: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewService(store, bus.New(), logger)
	workspace := filepath.Join(dir, "ws")
	return &fixture{
		mat:       NewMaterializer(defs, reg, bus.New(), logger),
		reg:       reg,
		workspace: workspace,
	}
}

func baseRequest(f *fixture, sessionID string) Request {
	return Request{
		WorkspaceID:   "ws1",
		WorkspacePath: f.workspace,
		PlanID:        "p1",
		AgentType:     "executor",
		SessionID:     sessionID,
	}
}

func TestMaterialise_DeterministicPathAndOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := baseRequest(f, "s1")
	req.PhaseName = "build"

	first, err := f.mat.Materialise(ctx, req)
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	want := AgentFilePath(f.workspace, "s1", "executor")
	if first.FilePath != want {
		t.Fatalf("path = %q, want %q", first.FilePath, want)
	}

	req.PhaseName = "review"
	second, err := f.mat.Materialise(ctx, req)
	if err != nil {
		t.Fatalf("second Materialise: %v", err)
	}
	if second.FilePath != first.FilePath {
		t.Fatalf("paths differ across calls: %q vs %q", second.FilePath, first.FilePath)
	}

	// No duplicate files.
	entries, err := os.ReadDir(filepath.Dir(first.FilePath))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("agent files = %d, want 1", len(entries))
	}

	// Registry content reflects only the latest call.
	row, err := f.reg.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.CurrentPhase != "review" {
		t.Fatalf("phase = %q, want review", row.CurrentPhase)
	}
}

func TestMaterialise_ToolRestrictionsFromDefinition(t *testing.T) {
	f := newFixture(t)

	res, err := f.mat.Materialise(context.Background(), baseRequest(f, "s1"))
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	// The starter executor definition carries blocked tools.
	section := res.InjectedSections[SectionToolRestrictions]
	if !section.Included || section.Source != SourceAgentDefinition {
		t.Fatalf("tool section = %+v, want included from agent_definition", section)
	}

	content, _ := os.ReadFile(res.FilePath)
	if !strings.Contains(string(content), "Blocked tools:") {
		t.Fatal("rendered file missing blocked tools line")
	}
}

func TestMaterialise_ToolOverridesTakePrecedence(t *testing.T) {
	f := newFixture(t)

	req := baseRequest(f, "s1")
	req.ToolOverrides = &ToolOverrides{AllowedTools: []string{"read"}}
	res, err := f.mat.Materialise(context.Background(), req)
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	section := res.InjectedSections[SectionToolRestrictions]
	if !section.Included || section.Source != SourceToolOverrides {
		t.Fatalf("tool section = %+v, want source tool_overrides", section)
	}
}

func TestMaterialise_StepContextSection(t *testing.T) {
	f := newFixture(t)

	req := baseRequest(f, "s1")
	req.StepIndices = []int{2, 4}
	req.ContextPayload = map[string]any{"branch": "feature/x"}
	res, err := f.mat.Materialise(context.Background(), req)
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	section := res.InjectedSections[SectionStepContext]
	if !section.Included || section.Source != SourceRuntimeContext {
		t.Fatalf("step context = %+v", section)
	}

	content, _ := os.ReadFile(res.FilePath)
	if !strings.Contains(string(content), "Assigned step indices: 2,4") {
		t.Fatal("rendered file missing step indices")
	}

	// Without steps or payload, the section stays out.
	res2, err := f.mat.Materialise(context.Background(), baseRequest(f, "s2"))
	if err != nil {
		t.Fatalf("Materialise s2: %v", err)
	}
	if res2.InjectedSections[SectionStepContext].Included {
		t.Fatal("step context included without inputs")
	}
}

func TestMaterialise_PeerSectionWithConflictRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	peer := baseRequest(f, "s-peer")
	peer.StepIndices = []int{7}
	peer.FilesInScope = []string{"core.go"}
	if _, err := f.mat.Materialise(ctx, peer); err != nil {
		t.Fatalf("peer Materialise: %v", err)
	}

	res, err := f.mat.Materialise(ctx, baseRequest(f, "s1"))
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if res.PeerSessionsCount != 1 {
		t.Fatalf("peers = %d, want 1", res.PeerSessionsCount)
	}
	section := res.InjectedSections[SectionPeerSessions]
	if !section.Included || section.Source != SourcePeerRegistry {
		t.Fatalf("peer section = %+v", section)
	}

	content, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	text := string(content)
	for _, rule := range []string{
		"File-lock advisory",
		"Plan-note conflict check",
		"60 seconds",
		"Step-index exclusivity",
		"Escalation path",
		"initiate a handoff",
	} {
		if !strings.Contains(text, rule) {
			t.Fatalf("rendered file missing conflict rule fragment %q", rule)
		}
	}
	if !strings.Contains(text, "s-peer") {
		t.Fatal("rendered file missing peer session listing")
	}
}

func TestMaterialise_NoPeersOmitsSection(t *testing.T) {
	f := newFixture(t)

	res, err := f.mat.Materialise(context.Background(), baseRequest(f, "s1"))
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	if res.PeerSessionsCount != 0 {
		t.Fatalf("peers = %d, want 0", res.PeerSessionsCount)
	}
	if res.InjectedSections[SectionPeerSessions].Included {
		t.Fatal("peer section included with no peers")
	}
	content, _ := os.ReadFile(res.FilePath)
	if strings.Contains(string(content), "Conflict-avoidance rules") {
		t.Fatal("conflict rules rendered without peers")
	}
}

func TestMaterialise_HubZoneAlwaysIncluded(t *testing.T) {
	f := newFixture(t)

	res, err := f.mat.Materialise(context.Background(), baseRequest(f, "s1"))
	if err != nil {
		t.Fatalf("Materialise: %v", err)
	}
	section := res.InjectedSections[SectionHubZone]
	if !section.Included || section.Source != SourceDeployTemplate {
		t.Fatalf("hub zone = %+v, want included from deploy_template", section)
	}

	content, _ := os.ReadFile(res.FilePath)
	text := string(content)
	if !strings.Contains(text, "HUB-CUSTOMISATION-ZONE:BEGIN") || !strings.Contains(text, "HUB-CUSTOMISATION-ZONE:END") {
		t.Fatal("hub zone markers missing from rendered file")
	}
}

func TestMaterialise_UnknownAgent(t *testing.T) {
	f := newFixture(t)

	req := baseRequest(f, "s1")
	req.AgentType = "ghost"
	if _, err := f.mat.Materialise(context.Background(), req); err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}
