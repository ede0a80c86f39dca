package bus

// Lease lifecycle topics.
const (
	TopicLeaseAcquired  = "lease.acquired"
	TopicLeaseRenewed   = "lease.renewed"
	TopicLeaseReleased  = "lease.released"
	TopicLeaseReclaimed = "lease.reclaimed"
	TopicLeaseContended = "lease.contended"
)

// Plan and session lifecycle topics.
const (
	TopicPlanRecovered    = "plan.recovered"
	TopicSessionDeployed  = "session.deployed"
	TopicSessionCompleted = "session.completed"
	TopicGateResolved     = "gate.resolved"
	TopicRolloutDecided   = "rollout.decided"
)

// LeaseEvent is published on lease.* topics.
type LeaseEvent struct {
	WorkspaceID string `json:"workspace_id"`
	PlanID      string `json:"plan_id"`
	RunID       string `json:"run_id"`
	Reason      string `json:"reason"`
}

// RecoveryEvent is published when a stale-run sweep recovers a plan.
type RecoveryEvent struct {
	WorkspaceID   string `json:"workspace_id"`
	PlanID        string `json:"plan_id"`
	StepsReset    int    `json:"steps_reset"`
	SessionsEnded int    `json:"sessions_ended"`
	LeaseReleased bool   `json:"lease_released"`
	Note          string `json:"note"`
}

// SessionEvent is published when an agent session is deployed or completed.
type SessionEvent struct {
	WorkspaceID string `json:"workspace_id"`
	PlanID      string `json:"plan_id"`
	SessionID   string `json:"session_id"`
	AgentType   string `json:"agent_type"`
	Path        string `json:"path,omitempty"`
}

// GateEvent is published when a brainstorm/approval gate resolves.
type GateEvent struct {
	RequestID string `json:"request_id"`
	FormType  string `json:"form_type"`
	Status    string `json:"status"`
	Granted   bool   `json:"granted"`
	Rounds    int    `json:"rounds"`
}
