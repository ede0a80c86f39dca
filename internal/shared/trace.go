package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type workspaceIDKey struct{}
type planIDKey struct{}
type sessionIDKey struct{}
type runIDKey struct{}
type agentTypeKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithWorkspaceID attaches a workspace_id to the context.
func WithWorkspaceID(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, workspaceIDKey{}, workspaceID)
}

// WorkspaceID extracts workspace_id from context. Returns "" if absent.
func WorkspaceID(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithPlanID attaches a plan_id to the context.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planIDKey{}, planID)
}

// PlanID extracts plan_id from context. Returns "" if absent.
func PlanID(ctx context.Context) string {
	if v, ok := ctx.Value(planIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// NewSessionID generates a new session_id.
func NewSessionID() string {
	return uuid.NewString()
}

// WithAgentType attaches an agent type to the context.
func WithAgentType(ctx context.Context, agentType string) context.Context {
	return context.WithValue(ctx, agentTypeKey{}, agentType)
}

// AgentType extracts the agent type from context. Returns "" if absent.
func AgentType(ctx context.Context) string {
	if v, ok := ctx.Value(agentTypeKey{}).(string); ok {
		return v
	}
	return ""
}

// HubAgentType is the orchestrating agent role that decides which
// downstream agent to deploy next.
const HubAgentType = "hub"
