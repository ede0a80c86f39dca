// Package recovery sweeps a plan for abandoned work: sessions that never
// completed, steps stuck in active, and an orphaned run lease. The sweep
// runs on orchestration entry and on a schedule, and must be a strict
// no-op on a healthy plan.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/planhub/internal/audit"
	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/lease"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/plan"
	"github.com/basket/planhub/internal/shared"
)

// SessionStaleAfter is how long an uncompleted session may run before a
// sweep treats it as abandoned. Matches the lease staleness threshold so
// a hung agent loses its session and its lease in the same window.
const SessionStaleAfter = 20 * time.Minute

// Result reports what one sweep did. Recovered is false when the plan
// was healthy and nothing changed.
type Result struct {
	Recovered     bool   `json:"recovered"`
	StepsReset    int    `json:"steps_reset"`
	SessionsEnded int    `json:"sessions_ended"`
	LeaseReleased bool   `json:"lease_released"`
	Note          string `json:"note,omitempty"`
}

// Sweeper performs stale-run recovery for plans.
type Sweeper struct {
	store      *persistence.Store
	leases     *lease.Manager
	bus        *bus.Bus
	logger     *slog.Logger
	now        func() time.Time
	staleAfter time.Duration
}

func NewSweeper(store *persistence.Store, leases *lease.Manager, eventBus *bus.Bus, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		leases:     leases,
		bus:        eventBus,
		logger:     logger.With("component", "recovery"),
		now:        time.Now,
		staleAfter: SessionStaleAfter,
	}
}

// SetClock overrides the time source. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// SetStaleness overrides the abandonment threshold for sessions and the
// lease alike.
func (s *Sweeper) SetStaleness(threshold time.Duration) {
	if threshold > 0 {
		s.staleAfter = threshold
	}
}

// RecoverStaleRuns inspects a plan for abandonment and resets what it
// finds. Orphaned active steps are requeued to pending with a
// timestamped note, stale sessions are force-completed with the same
// note, and a stale lease is released with the stale-recovery reason.
// Fresh sessions and fresh leases are left alone. The plan state is
// mutated in place; the caller persists it. If the caller crashes before
// persisting, the next sweep finds the same stale data and repeats the
// reset, so the whole operation is an idempotent retry.
func (s *Sweeper) RecoverStaleRuns(ctx context.Context, p *plan.Plan) (Result, error) {
	now := s.now().UTC()

	staleSessions, freshSessions, err := s.partitionSessions(ctx, p, now)
	if err != nil {
		return Result{}, err
	}

	// Active steps are only orphaned when no live session could still be
	// working them. A fresh session keeps its claimed steps untouched.
	var activeSteps []int
	if freshSessions == 0 {
		activeSteps = p.ActiveSteps()
	}

	currentLease, err := s.leases.Current(p.WorkspaceID, p.ID)
	if err != nil {
		return Result{}, fmt.Errorf("read lease for recovery: %w", err)
	}
	staleLease := currentLease != nil && currentLease.Status == lease.StatusActive && currentLease.StaleAfter(now, s.staleAfter)

	if len(staleSessions) == 0 && len(activeSteps) == 0 && !staleLease {
		return Result{Recovered: false}, nil
	}

	note := fmt.Sprintf("Recovered from stale run at %s: %d step(s) requeued, %d session(s) force-completed",
		now.Format(time.RFC3339), len(activeSteps), len(staleSessions))

	// Requeue directly. The confirmation gate in TransitionStep guards
	// agent-driven exits from active; recovery is the cleanup path and
	// must succeed even on gated steps.
	for _, index := range activeSteps {
		step := p.StepByIndex(index)
		if step == nil {
			continue
		}
		step.Status = plan.StepStatusPending
		step.AppendNote(note)
	}
	if len(activeSteps) > 0 {
		p.UpdatedAt = now
	}

	for _, sess := range staleSessions {
		if err := s.store.CompleteSession(ctx, sess.SessionID, note); err != nil {
			return Result{}, fmt.Errorf("force-complete session %s: %w", sess.SessionID, err)
		}
		if err := s.store.MarkRegistryEntryStale(ctx, sess.SessionID); err != nil {
			return Result{}, fmt.Errorf("mark registry stale %s: %w", sess.SessionID, err)
		}
	}

	leaseReleased := false
	if staleLease {
		released, err := s.leases.Release(ctx, p.WorkspaceID, p.ID, lease.ReasonStaleRecovery, "")
		if err != nil {
			return Result{}, fmt.Errorf("release lease during recovery: %w", err)
		}
		leaseReleased = released.Released
	}

	result := Result{
		Recovered:     true,
		StepsReset:    len(activeSteps),
		SessionsEnded: len(staleSessions),
		LeaseReleased: leaseReleased,
		Note:          note,
	}

	if err := s.store.AppendRecoveryRecord(ctx, persistence.RecoveryRecord{
		WorkspaceID:   p.WorkspaceID,
		PlanID:        p.ID,
		StepsReset:    result.StepsReset,
		SessionsEnded: result.SessionsEnded,
		LeaseReleased: result.LeaseReleased,
		Note:          note,
	}); err != nil {
		return Result{}, fmt.Errorf("append recovery record: %w", err)
	}
	audit.Record("recovered", "stale_run_sweep", note, p.WorkspaceID+"/"+p.ID)

	s.logger.InfoContext(ctx, "stale run recovered",
		"trace_id", shared.TraceID(ctx),
		"workspace_id", p.WorkspaceID,
		"plan_id", p.ID,
		"steps_reset", result.StepsReset,
		"sessions_ended", result.SessionsEnded,
		"lease_released", result.LeaseReleased)

	if s.bus != nil {
		s.bus.Publish(bus.TopicPlanRecovered, bus.RecoveryEvent{
			WorkspaceID:   p.WorkspaceID,
			PlanID:        p.ID,
			StepsReset:    result.StepsReset,
			SessionsEnded: result.SessionsEnded,
			LeaseReleased: result.LeaseReleased,
			Note:          note,
		})
	}
	return result, nil
}

func (s *Sweeper) partitionSessions(ctx context.Context, p *plan.Plan, now time.Time) ([]persistence.AgentSession, int, error) {
	open, err := s.store.ListOpenSessions(ctx, p.WorkspaceID, p.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("list open sessions: %w", err)
	}
	var stale []persistence.AgentSession
	fresh := 0
	for _, sess := range open {
		if now.Sub(sess.StartedAt) > s.staleAfter {
			stale = append(stale, sess)
		} else {
			fresh++
		}
	}
	return stale, fresh, nil
}
