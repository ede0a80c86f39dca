// Package orchestrator drives the handoff flow: recovery sweep, rollout
// decision, lease acquisition, required-context precondition,
// materialization, and session bookkeeping, in that order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/planhub/internal/agentdef"
	"github.com/basket/planhub/internal/audit"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/config"
	"github.com/basket/planhub/internal/deploy"
	"github.com/basket/planhub/internal/lease"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/plan"
	"github.com/basket/planhub/internal/recovery"
	"github.com/basket/planhub/internal/registry"
	"github.com/basket/planhub/internal/rollout"
	"github.com/basket/planhub/internal/shared"
)

// Error codes surfaced in HandoffResult.
const (
	ErrCodeContextKeysUnresolved = agentdef.ErrCodeContextKeysUnresolved
	ErrCodePlanNotFound          = "PLAN_NOT_FOUND"
	ErrCodeDataRootUnavailable   = "DATA_ROOT_UNAVAILABLE"
)

// HandoffRequest asks the orchestrator to deploy an agent for a plan.
type HandoffRequest struct {
	WorkspaceID    string
	WorkspacePath  string
	PlanID         string
	AgentType      string
	RunID          string
	SessionID      string // generated when empty
	PhaseName      string
	StepIndices    []int
	FilesInScope   []string
	ContextPayload map[string]any
	ToolOverrides  *deploy.ToolOverrides
}

// HandoffResult is the discriminated outcome of one handoff attempt.
// Lease contention is reported through Acquire, not as an error.
type HandoffResult struct {
	Success            bool                `json:"success"`
	ErrorCode          string              `json:"error_code,omitempty"`
	Error              string              `json:"error,omitempty"`
	MissingContextKeys []string            `json:"missing_context_keys,omitempty"`
	Recovery           *recovery.Result    `json:"recovery,omitempty"`
	Rollout            rollout.Decision    `json:"rollout"`
	Acquire            lease.AcquireResult `json:"acquire"`
	SessionID          string              `json:"session_id,omitempty"`
	AgentFilePath      string              `json:"agent_file_path,omitempty"`
	Materialized       *deploy.Result      `json:"materialized,omitempty"`
	RestoredLegacy     []string            `json:"restored_legacy,omitempty"`
	Warnings           []string            `json:"warnings,omitempty"`
}

// Orchestrator glues the lifecycle components together.
type Orchestrator struct {
	cfg      *config.Config
	store    *persistence.Store
	plans    *PlanStore
	leases   *lease.Manager
	sweeper  *recovery.Sweeper
	defs     *agentdef.Store
	mat      *deploy.Materializer
	registry *registry.Service
	counters *SessionCounters
	bus      *bus.Bus
	logger   *slog.Logger
}

type Deps struct {
	Config       *config.Config
	Store        *persistence.Store
	Plans        *PlanStore
	Leases       *lease.Manager
	Sweeper      *recovery.Sweeper
	Defs         *agentdef.Store
	Materializer *deploy.Materializer
	Registry     *registry.Service
	Counters     *SessionCounters
	Bus          *bus.Bus
	Logger       *slog.Logger
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      d.Config,
		store:    d.Store,
		plans:    d.Plans,
		leases:   d.Leases,
		sweeper:  d.Sweeper,
		defs:     d.Defs,
		mat:      d.Materializer,
		registry: d.Registry,
		counters: d.Counters,
		bus:      d.Bus,
		logger:   d.Logger.With("component", "orchestrator"),
	}
}

// Handoff runs the full deployment flow for one agent. Errors from
// collaborating components surface as structured results; only storage
// corruption bubbles as a raw error.
func (o *Orchestrator) Handoff(ctx context.Context, req HandoffRequest) (*HandoffResult, error) {
	if req.RunID == "" {
		req.RunID = shared.NewRunID()
	}
	if req.SessionID == "" {
		req.SessionID = shared.NewSessionID()
	}
	ctx = shared.WithRunID(shared.WithSessionID(ctx, req.SessionID), req.RunID)

	result := &HandoffResult{SessionID: req.SessionID}

	if err := o.plans.Available(); err != nil {
		result.ErrorCode = ErrCodeDataRootUnavailable
		result.Error = err.Error()
		return result, nil
	}

	// Recovery runs on orchestration entry so abandoned leases and
	// sessions never block a fresh handoff.
	p, err := o.plans.Load(req.WorkspaceID, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	if p == nil {
		result.ErrorCode = ErrCodePlanNotFound
		result.Error = fmt.Sprintf("plan %s not found in workspace %s", req.PlanID, req.WorkspaceID)
		return result, nil
	}
	rec, err := o.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("recovery sweep: %w", err)
	}
	if rec.Recovered {
		result.Recovery = &rec
		if err := o.plans.SavePlan(ctx, p); err != nil {
			return nil, fmt.Errorf("persist recovered plan: %w", err)
		}
	}

	result.Rollout = o.resolveRollout(req)
	if o.bus != nil {
		o.bus.Publish(bus.TopicRolloutDecided, result.Rollout)
	}

	acquire, err := o.leases.Acquire(ctx, req.WorkspaceID, req.PlanID, lease.Candidate{
		RunID:      req.RunID,
		OwnerAgent: req.AgentType,
	})
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	result.Acquire = acquire
	if !acquire.Acquired {
		// Another run holds the lane. Expected contention; the caller
		// tells the operator a run is already in progress.
		return result, nil
	}

	if code, missing := o.checkRequiredContext(req); code != "" {
		result.ErrorCode = code
		result.MissingContextKeys = missing
		result.Error = fmt.Sprintf("unresolved context keys for agent %s: %s",
			req.AgentType, strings.Join(missing, ", "))
		audit.Record("rejected", "handoff_precondition", result.Error, req.SessionID)
		return result, nil
	}

	if result.Rollout.Strategy == rollout.StrategyLegacy {
		return o.legacyHandoff(ctx, req, result)
	}
	return o.dynamicHandoff(ctx, req, result)
}

func (o *Orchestrator) resolveRollout(req HandoffRequest) rollout.Decision {
	rc := o.cfg.Rollout
	in := rollout.Inputs{
		SessionID:               req.SessionID,
		FeatureFlagEnabled:      rc.FeatureFlagEnabled,
		CanaryPercent:           rc.CanaryPercent,
		DeprecationWindowActive: rc.DeprecationWindowActive,
		BackupDirectoryOverride: rc.BackupDirectory,
	}
	if rc.ForceLegacyFallback {
		forced := true
		in.ForceLegacyFallback = &forced
	}
	return rollout.ResolveHubRolloutDecision(req.WorkspacePath, in)
}

// checkRequiredContext enforces the materialization precondition: all of
// the agent's required dotted keys must resolve against the payload.
func (o *Orchestrator) checkRequiredContext(req HandoffRequest) (string, []string) {
	required, err := o.defs.GetRequiredContextKeys(req.AgentType)
	if err != nil {
		return ErrCodeContextKeysUnresolved, []string{err.Error()}
	}
	missing := agentdef.UnresolvedKeys(required, req.ContextPayload)
	if len(missing) > 0 {
		return ErrCodeContextKeysUnresolved, missing
	}
	return "", nil
}

func (o *Orchestrator) dynamicHandoff(ctx context.Context, req HandoffRequest, result *HandoffResult) (*HandoffResult, error) {
	mat, err := o.mat.Materialise(ctx, deploy.Request{
		WorkspaceID:    req.WorkspaceID,
		WorkspacePath:  req.WorkspacePath,
		PlanID:         req.PlanID,
		AgentType:      req.AgentType,
		SessionID:      req.SessionID,
		PhaseName:      req.PhaseName,
		StepIndices:    req.StepIndices,
		ContextPayload: req.ContextPayload,
		FilesInScope:   req.FilesInScope,
		ToolOverrides:  req.ToolOverrides,
	})
	if err != nil {
		return nil, fmt.Errorf("materialise agent: %w", err)
	}
	result.Materialized = mat
	result.AgentFilePath = mat.FilePath
	result.Warnings = append(result.Warnings, mat.Warnings...)

	if err := o.openSession(ctx, req); err != nil {
		return nil, err
	}
	result.Success = true
	o.logger.InfoContext(ctx, "handoff complete",
		"trace_id", shared.TraceID(ctx),
		"session_id", req.SessionID,
		"agent_type", req.AgentType,
		"strategy", result.Rollout.Strategy,
		"path", result.AgentFilePath)
	return result, nil
}

func (o *Orchestrator) legacyHandoff(ctx context.Context, req HandoffRequest, result *HandoffResult) (*HandoffResult, error) {
	restored, err := rollout.RestoreLegacyStaticAgents(
		req.WorkspacePath, req.AgentType, result.Rollout.BackupDirectory, o.cfg.AgentsDir)
	if err != nil {
		return nil, fmt.Errorf("restore legacy agents: %w", err)
	}
	result.RestoredLegacy = restored.RestoredFiles
	result.Warnings = append(result.Warnings, restored.Warnings...)
	result.AgentFilePath = restored.MatchedPath

	if err := o.openSession(ctx, req); err != nil {
		return nil, err
	}
	result.Success = true
	o.logger.InfoContext(ctx, "handoff complete via legacy fallback",
		"trace_id", shared.TraceID(ctx),
		"session_id", req.SessionID,
		"agent_type", req.AgentType,
		"reason", result.Rollout.Reason,
		"restored", len(restored.RestoredFiles))
	return result, nil
}

func (o *Orchestrator) openSession(ctx context.Context, req HandoffRequest) error {
	contextStrings := make(map[string]string, len(req.ContextPayload))
	for k, v := range req.ContextPayload {
		contextStrings[k] = fmt.Sprintf("%v", v)
	}
	if err := o.store.CreateSession(ctx, persistence.AgentSession{
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		PlanID:      req.PlanID,
		AgentType:   req.AgentType,
		Context:     contextStrings,
	}); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	o.counters.Init(req.SessionID)
	o.counters.Increment(req.SessionID)
	return nil
}

// CompleteHandoff closes a session: completes the session row and
// registry entry, finalizes the counter, and releases the lease when a
// run ID is supplied.
func (o *Orchestrator) CompleteHandoff(ctx context.Context, workspaceID, planID, sessionID, runID, summary string) error {
	if err := o.store.CompleteSession(ctx, sessionID, summary); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if err := o.registry.Complete(ctx, sessionID); err != nil {
		return fmt.Errorf("complete registry entry: %w", err)
	}
	o.counters.Finalize(sessionID)

	if runID != "" {
		if _, err := o.leases.Release(ctx, workspaceID, planID, "RUN_COMPLETE", runID); err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
	}
	o.logger.InfoContext(ctx, "handoff closed",
		"trace_id", shared.TraceID(ctx),
		"session_id", sessionID,
		"plan_id", planID)
	return nil
}

// MarkStepActive transitions a plan step to active for a session under
// the plan document lock.
func (o *Orchestrator) MarkStepActive(ctx context.Context, workspaceID, planID string, stepIndex int, byAgent string) error {
	return o.plans.Mutate(ctx, workspaceID, planID, func(p *plan.Plan) error {
		if p == nil {
			return fmt.Errorf("plan %s not found", planID)
		}
		return p.TransitionStep(stepIndex, plan.StepStatusActive, byAgent)
	})
}

// MarkStepDone transitions a plan step to done, enforcing the
// confirmation gate, under the plan document lock.
func (o *Orchestrator) MarkStepDone(ctx context.Context, workspaceID, planID string, stepIndex int, byAgent string) error {
	return o.plans.Mutate(ctx, workspaceID, planID, func(p *plan.Plan) error {
		if p == nil {
			return fmt.Errorf("plan %s not found", planID)
		}
		return p.TransitionStep(stepIndex, plan.StepStatusDone, byAgent)
	})
}

// StalenessThreshold returns the configured staleness window.
func (o *Orchestrator) StalenessThreshold() time.Duration {
	return time.Duration(o.cfg.StalenessMinutes) * time.Minute
}
