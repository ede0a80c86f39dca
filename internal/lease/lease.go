// Package lease implements the active-run lane: an exclusivity record
// preventing two concurrent runs on the same (workspace, plan) pair.
// The lease is a JSON document in the shared doc store, mutated only
// through locked read-modify-write so independent OS processes never
// lose updates.
package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/shared"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusReleased  Status = "released"
	StatusCancelled Status = "cancelled"
)

const (
	// StalenessThreshold is how long a lease may go without renewal
	// before another run is allowed to reclaim it.
	StalenessThreshold = 20 * time.Minute

	// ReasonStaleRecovery marks a lease that was reclaimed or swept
	// because its holder went silent.
	ReasonStaleRecovery = "SPAWN_STALE_RECOVERY"

	// ReasonCancelled is the release reason that marks a lease
	// cancelled rather than released.
	ReasonCancelled = "USER_CANCELLED"

	docType        = "lease"
	docTypeHistory = "lease_history"

	historyCap = 50
)

// ActiveRunLease is exclusive ownership of the current unit of work for
// a (workspace, plan) pair. At most one lease with status=active exists
// per pair.
type ActiveRunLease struct {
	RunID             string    `json:"run_id"`
	WorkspaceID       string    `json:"workspace_id"`
	PlanID            string    `json:"plan_id"`
	Status            Status    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
	OwnerAgent        string    `json:"owner_agent,omitempty"`
	ReleaseReasonCode string    `json:"release_reason_code,omitempty"`
}

// Stale reports whether the lease has gone unrenewed past the default
// staleness threshold.
func (l *ActiveRunLease) Stale(now time.Time) bool {
	return l.StaleAfter(now, StalenessThreshold)
}

// StaleAfter is Stale with an explicit threshold.
func (l *ActiveRunLease) StaleAfter(now time.Time, threshold time.Duration) bool {
	return now.Sub(l.LastUpdatedAt) >= threshold
}

// AcquireResult is the outcome of one acquire attempt. Contention is a
// normal return value, not an error: callers branch on Acquired.
type AcquireResult struct {
	Acquired  bool            `json:"acquired"`
	Reason    string          `json:"reason"`
	ActiveRun *ActiveRunLease `json:"active_run,omitempty"`
}

// ReleaseResult is the outcome of one release attempt.
type ReleaseResult struct {
	Released   bool   `json:"released"`
	ReasonCode string `json:"reason_code,omitempty"`
}

// Acquire reasons.
const (
	ReasonAcquired      = "acquired"
	ReasonAlreadyActive = "already_active"
	ReasonReleasedStale = "released_stale"
)

// Manager coordinates lease acquire/release against the doc store.
type Manager struct {
	docs       *persistence.DocStore
	bus        *bus.Bus
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

func NewManager(docs *persistence.DocStore, eventBus *bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		docs:       docs,
		bus:        eventBus,
		logger:     logger.With("component", "lease"),
		now:        time.Now,
		staleAfter: StalenessThreshold,
	}
}

// SetClock overrides the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetStaleness overrides the reclaim threshold.
func (m *Manager) SetStaleness(threshold time.Duration) {
	if threshold > 0 {
		m.staleAfter = threshold
	}
}

// Candidate describes the run asking for the lease.
type Candidate struct {
	RunID      string
	OwnerAgent string
}

// Acquire attempts to take or renew the active-run lease for a plan.
//
// No existing lease, or the existing lease is not active: a new lease is
// created (acquired, reason "acquired"). Existing active lease with the
// same run ID: renewed (acquired, reason "acquired"). Existing active
// lease with a different run ID that is still fresh: the caller must not
// proceed (not acquired, reason "already_active"). A stale active lease
// is released with the stale-recovery reason and replaced by the
// candidate (acquired, reason "released_stale").
func (m *Manager) Acquire(ctx context.Context, workspaceID, planID string, candidate Candidate) (AcquireResult, error) {
	if candidate.RunID == "" {
		return AcquireResult{}, fmt.Errorf("candidate run_id must be non-empty")
	}

	var result AcquireResult
	var reclaimed *ActiveRunLease
	err := m.docs.LockedReadModifyWrite(ctx, workspaceID, planID, docType, func(current []byte) ([]byte, error) {
		now := m.now().UTC()

		var existing *ActiveRunLease
		if current != nil {
			existing = &ActiveRunLease{}
			if err := json.Unmarshal(current, existing); err != nil {
				return nil, fmt.Errorf("decode lease document: %w", err)
			}
		}

		switch {
		case existing == nil || existing.Status != StatusActive:
			fresh := m.newLease(workspaceID, planID, candidate, now)
			result = AcquireResult{Acquired: true, Reason: ReasonAcquired, ActiveRun: fresh}
			return json.Marshal(fresh)

		case existing.RunID == candidate.RunID:
			existing.LastUpdatedAt = now
			result = AcquireResult{Acquired: true, Reason: ReasonAcquired, ActiveRun: existing}
			return json.Marshal(existing)

		case !existing.StaleAfter(now, m.staleAfter):
			result = AcquireResult{Acquired: false, Reason: ReasonAlreadyActive, ActiveRun: existing}
			return nil, nil

		default:
			m.logger.WarnContext(ctx, "reclaiming stale lease",
				"trace_id", shared.TraceID(ctx),
				"workspace_id", workspaceID,
				"plan_id", planID,
				"stale_run_id", existing.RunID,
				"age", now.Sub(existing.LastUpdatedAt).String())

			existing.Status = StatusReleased
			existing.ReleaseReasonCode = ReasonStaleRecovery
			existing.LastUpdatedAt = now
			reclaimed = existing
			m.publish(bus.TopicLeaseReclaimed, workspaceID, planID, existing.RunID, ReasonStaleRecovery)

			fresh := m.newLease(workspaceID, planID, candidate, now)
			result = AcquireResult{Acquired: true, Reason: ReasonReleasedStale, ActiveRun: fresh}
			return json.Marshal(fresh)
		}
	})
	if err != nil {
		return AcquireResult{}, err
	}
	if reclaimed != nil {
		m.archive(ctx, workspaceID, planID, reclaimed)
	}

	if result.Acquired {
		topic := bus.TopicLeaseAcquired
		if result.Reason == ReasonAcquired && result.ActiveRun != nil && !result.ActiveRun.StartedAt.Equal(result.ActiveRun.LastUpdatedAt) {
			topic = bus.TopicLeaseRenewed
		}
		m.publish(topic, workspaceID, planID, candidate.RunID, result.Reason)
	} else {
		m.publish(bus.TopicLeaseContended, workspaceID, planID, candidate.RunID, result.Reason)
	}
	return result, nil
}

// Release ends the active lease for a plan. It is a no-op when no active
// lease exists, or when runID is supplied and does not match the holder.
// The cancellation sentinel reason marks the lease cancelled; every
// other reason marks it released.
func (m *Manager) Release(ctx context.Context, workspaceID, planID, releaseReasonCode, runID string) (ReleaseResult, error) {
	var result ReleaseResult
	var terminal *ActiveRunLease
	err := m.docs.LockedReadModifyWrite(ctx, workspaceID, planID, docType, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		var existing ActiveRunLease
		if err := json.Unmarshal(current, &existing); err != nil {
			return nil, fmt.Errorf("decode lease document: %w", err)
		}
		if existing.Status != StatusActive {
			return nil, nil
		}
		if runID != "" && existing.RunID != runID {
			return nil, nil
		}

		existing.Status = StatusReleased
		if releaseReasonCode == ReasonCancelled {
			existing.Status = StatusCancelled
		}
		existing.ReleaseReasonCode = releaseReasonCode
		existing.LastUpdatedAt = m.now().UTC()
		result = ReleaseResult{Released: true, ReasonCode: releaseReasonCode}
		terminal = &existing
		return json.Marshal(existing)
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	if terminal != nil {
		m.archive(ctx, workspaceID, planID, terminal)
	}
	if result.Released {
		m.publish(bus.TopicLeaseReleased, workspaceID, planID, runID, releaseReasonCode)
	}
	return result, nil
}

// Current returns the stored lease document, or nil if none exists.
// Readers see only whole documents; no lock is taken.
func (m *Manager) Current(workspaceID, planID string) (*ActiveRunLease, error) {
	var l ActiveRunLease
	found, err := m.docs.Get(workspaceID, planID, docType, &l)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &l, nil
}

// History returns terminal lease snapshots for a plan, oldest first.
// Reclaimed leases land here with status released and the stale-recovery
// reason code.
func (m *Manager) History(workspaceID, planID string) ([]ActiveRunLease, error) {
	var history []ActiveRunLease
	found, err := m.docs.Get(workspaceID, planID, docTypeHistory, &history)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return history, nil
}

// archive appends a terminal lease snapshot to the plan's lease history,
// capped to the most recent entries. Best effort: a failed archive is
// logged and never fails the acquire or release that produced it.
func (m *Manager) archive(ctx context.Context, workspaceID, planID string, terminal *ActiveRunLease) {
	err := m.docs.LockedReadModifyWrite(ctx, workspaceID, planID, docTypeHistory, func(current []byte) ([]byte, error) {
		var history []ActiveRunLease
		if current != nil {
			if err := json.Unmarshal(current, &history); err != nil {
				return nil, fmt.Errorf("decode lease history: %w", err)
			}
		}
		history = append(history, *terminal)
		if len(history) > historyCap {
			history = history[len(history)-historyCap:]
		}
		return json.Marshal(history)
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to archive lease snapshot",
			"trace_id", shared.TraceID(ctx),
			"workspace_id", workspaceID,
			"plan_id", planID,
			"error", err.Error())
	}
}

func (m *Manager) newLease(workspaceID, planID string, candidate Candidate, now time.Time) *ActiveRunLease {
	return &ActiveRunLease{
		RunID:         candidate.RunID,
		WorkspaceID:   workspaceID,
		PlanID:        planID,
		Status:        StatusActive,
		StartedAt:     now,
		LastUpdatedAt: now,
		OwnerAgent:    candidate.OwnerAgent,
	}
}

func (m *Manager) publish(topic, workspaceID, planID, runID, reason string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, bus.LeaseEvent{
		WorkspaceID: workspaceID,
		PlanID:      planID,
		RunID:       runID,
		Reason:      reason,
	})
}
