// Package deploy materializes agents: it renders a session-scoped
// instruction file from an agent definition, injecting tool
// restrictions, step context, peer-session awareness, and the sealed
// hub customisation zone, then registers the session so peers can see
// it.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/planhub/internal/agentdef"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/registry"
	"github.com/basket/planhub/internal/shared"
)

// Section sources reported in the materialization result.
const (
	SourceToolOverrides   = "tool_overrides"
	SourceAgentDefinition = "agent_definition"
	SourceRuntimeContext  = "runtime_context_payload"
	SourcePeerRegistry    = "workspace_session_registry"
	SourceDeployTemplate  = "deploy_template"
)

// Section names in the injectedSections result map.
const (
	SectionToolRestrictions = "tool_restrictions"
	SectionStepContext      = "step_context"
	SectionPeerSessions     = "peer_sessions"
	SectionHubZone          = "hub_customisation_zone"
)

// hubZoneBegin/hubZoneEnd delimit the sealed customisation zone. Hub
// tooling may read between the markers but must never rewrite them.
const (
	hubZoneBegin = "<!-- HUB-CUSTOMISATION-ZONE:BEGIN (sealed; do not overwrite programmatically) -->"
	hubZoneEnd   = "<!-- HUB-CUSTOMISATION-ZONE:END -->"
)

// conflictAvoidanceRules is injected verbatim whenever at least one peer
// session is active. These rules are the entire conflict-avoidance
// mechanism: the registry stores claims, agents honor them behaviorally.
const conflictAvoidanceRules = `### Conflict-avoidance rules (mandatory)

1. **File-lock advisory**: before editing any file, check the peer list
   above. If a peer claims the file in its files_in_scope, do not edit
   it. Treat claimed files as locked.
2. **Plan-note conflict check**: before starting a step, re-read the
   plan notes added within the last 60 seconds. If a note shows a peer
   has just claimed overlapping work, yield and pick a different step.
3. **Step-index exclusivity**: never activate a step index a peer has
   claimed as active. Claimed indices belong to the claiming session
   until its registry entry completes or goes stale.
4. **Escalation path**: if you believe you must modify a peer-claimed
   file or step, do NOT silently overwrite. Record a plan note
   describing the conflict, then initiate a handoff to the hub agent
   and stop work on the contested scope.`

// SectionReport describes whether one injectable section made it into
// the rendered file and where its content came from.
type SectionReport struct {
	Included bool   `json:"included"`
	Source   string `json:"source,omitempty"`
}

// Request is one materialization call.
type Request struct {
	WorkspaceID    string
	WorkspacePath  string
	PlanID         string
	AgentType      string
	SessionID      string
	PhaseName      string
	StepIndices    []int
	ContextPayload map[string]any
	FilesInScope   []string
	ToolOverrides  *ToolOverrides
}

// ToolOverrides replaces the agent definition's allow/block lists for
// one session.
type ToolOverrides struct {
	AllowedTools []string
	BlockedTools []string
}

// Result reports what was rendered and injected.
type Result struct {
	FilePath          string                   `json:"filePath"`
	SessionID         string                   `json:"sessionId"`
	PeerSessionsCount int                      `json:"peerSessionsCount"`
	InjectedSections  map[string]SectionReport `json:"injectedSections"`
	Warnings          []string                 `json:"warnings,omitempty"`
}

// Materializer renders session-scoped agent files.
type Materializer struct {
	defs     *agentdef.Store
	registry *registry.Service
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewMaterializer(defs *agentdef.Store, reg *registry.Service, eventBus *bus.Bus, logger *slog.Logger) *Materializer {
	return &Materializer{
		defs:     defs,
		registry: reg,
		bus:      eventBus,
		logger:   logger.With("component", "deploy"),
	}
}

// AgentFilePath is the deterministic output path for a session's agent
// file. Calling materialise twice for the same inputs overwrites the
// same file.
func AgentFilePath(workspacePath, sessionID, agentType string) string {
	name := fmt.Sprintf("%s-%s.md", sanitizeName(agentType), sanitizeName(sessionID))
	return filepath.Join(workspacePath, ".planhub", "agents", name)
}

// Materialise renders the agent file and upserts the session registry
// entry. Required-context enforcement happens in the orchestrator
// before this call; by the time Materialise runs, preconditions hold.
func (m *Materializer) Materialise(ctx context.Context, req Request) (*Result, error) {
	if req.SessionID == "" || req.AgentType == "" {
		return nil, fmt.Errorf("sessionId and agentType must be non-empty")
	}
	if req.WorkspacePath == "" {
		return nil, fmt.Errorf("workspacePath must be non-empty")
	}

	def, err := m.defs.GetAgent(req.AgentType)
	if err != nil {
		return nil, err
	}

	result := &Result{
		SessionID:        req.SessionID,
		FilePath:         AgentFilePath(req.WorkspacePath, req.SessionID, req.AgentType),
		InjectedSections: make(map[string]SectionReport),
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Agent: %s\n\n", def.Name)
	fmt.Fprintf(&b, "Session: %s | Plan: %s | Workspace: %s\n\n", req.SessionID, req.PlanID, req.WorkspaceID)
	b.WriteString(strings.TrimSpace(def.Content))
	b.WriteString("\n")

	m.renderToolRestrictions(&b, def, req, result)
	m.renderStepContext(&b, req, result)
	if err := m.renderPeerSessions(ctx, &b, req, result); err != nil {
		return nil, err
	}
	m.renderHubZone(&b, result)

	if err := os.MkdirAll(filepath.Dir(result.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}
	if err := os.WriteFile(result.FilePath, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("write agent file: %w", err)
	}

	entry := persistence.RegistryEntry{
		SessionID:        req.SessionID,
		WorkspaceID:      req.WorkspaceID,
		AgentType:        req.AgentType,
		PlanID:           req.PlanID,
		CurrentPhase:     req.PhaseName,
		StepIndices:      req.StepIndices,
		FilesInScope:     req.FilesInScope,
		MaterialisedPath: result.FilePath,
		Status:           persistence.RegistryStatusActive,
	}
	if err := m.registry.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "agent materialised",
		"trace_id", shared.TraceID(ctx),
		"session_id", req.SessionID,
		"agent_type", req.AgentType,
		"plan_id", req.PlanID,
		"path", result.FilePath,
		"peers", result.PeerSessionsCount)

	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionDeployed, bus.SessionEvent{
			WorkspaceID: req.WorkspaceID,
			PlanID:      req.PlanID,
			SessionID:   req.SessionID,
			AgentType:   req.AgentType,
			Path:        result.FilePath,
		})
	}
	return result, nil
}

func (m *Materializer) renderToolRestrictions(b *strings.Builder, def *agentdef.Definition, req Request, result *Result) {
	allowed := def.AllowedTools
	blocked := def.BlockedTools
	source := SourceAgentDefinition
	if req.ToolOverrides != nil {
		allowed = req.ToolOverrides.AllowedTools
		blocked = req.ToolOverrides.BlockedTools
		source = SourceToolOverrides
	}
	if len(allowed) == 0 && len(blocked) == 0 {
		result.InjectedSections[SectionToolRestrictions] = SectionReport{Included: false}
		return
	}

	b.WriteString("\n## Tool surface restrictions\n\n")
	if len(allowed) > 0 {
		fmt.Fprintf(b, "Allowed tools: %s\n", strings.Join(allowed, ", "))
	}
	if len(blocked) > 0 {
		fmt.Fprintf(b, "Blocked tools: %s\n", strings.Join(blocked, ", "))
	}
	result.InjectedSections[SectionToolRestrictions] = SectionReport{Included: true, Source: source}
}

func (m *Materializer) renderStepContext(b *strings.Builder, req Request, result *Result) {
	if len(req.StepIndices) == 0 && len(req.ContextPayload) == 0 {
		result.InjectedSections[SectionStepContext] = SectionReport{Included: false}
		return
	}

	b.WriteString("\n## Step context\n\n")
	if req.PhaseName != "" {
		fmt.Fprintf(b, "Phase: %s\n", req.PhaseName)
	}
	if len(req.StepIndices) > 0 {
		fmt.Fprintf(b, "Assigned step indices: %s\n", joinInts(req.StepIndices))
	}
	if len(req.ContextPayload) > 0 {
		b.WriteString("\nContext:\n")
		keys := make([]string, 0, len(req.ContextPayload))
		for k := range req.ContextPayload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "- %s: %v\n", k, req.ContextPayload[k])
		}
	}
	result.InjectedSections[SectionStepContext] = SectionReport{Included: true, Source: SourceRuntimeContext}
}

func (m *Materializer) renderPeerSessions(ctx context.Context, b *strings.Builder, req Request, result *Result) error {
	peers, err := m.registry.ActivePeers(ctx, req.WorkspaceID, req.SessionID)
	if err != nil {
		return fmt.Errorf("query peer sessions: %w", err)
	}
	result.PeerSessionsCount = len(peers)
	if len(peers) == 0 {
		result.InjectedSections[SectionPeerSessions] = SectionReport{Included: false}
		return nil
	}

	b.WriteString("\n## Active peer sessions\n\n")
	for _, peer := range peers {
		fmt.Fprintf(b, "- session %s (%s)", peer.SessionID, peer.AgentType)
		if peer.CurrentPhase != "" {
			fmt.Fprintf(b, " phase=%s", peer.CurrentPhase)
		}
		if len(peer.StepIndices) > 0 {
			fmt.Fprintf(b, " steps=%s", joinInts(peer.StepIndices))
		}
		if len(peer.FilesInScope) > 0 {
			fmt.Fprintf(b, " files=%s", strings.Join(peer.FilesInScope, ","))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(conflictAvoidanceRules)
	b.WriteString("\n")
	result.InjectedSections[SectionPeerSessions] = SectionReport{Included: true, Source: SourcePeerRegistry}
	return nil
}

func (m *Materializer) renderHubZone(b *strings.Builder, result *Result) {
	b.WriteString("\n")
	b.WriteString(hubZoneBegin)
	b.WriteString("\n\n")
	fmt.Fprintf(b, "Rendered %s. Hub tooling may append notes below this line.\n\n", time.Now().UTC().Format(time.RFC3339))
	b.WriteString(hubZoneEnd)
	b.WriteString("\n")
	result.InjectedSections[SectionHubZone] = SectionReport{Included: true, Source: SourceDeployTemplate}
}

func joinInts(in []int) string {
	parts := make([]string, len(in))
	for i, v := range in {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func sanitizeName(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_", " ", "_")
	out := replacer.Replace(s)
	if out == "" {
		out = "_"
	}
	return out
}
