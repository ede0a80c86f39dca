package recovery

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/planhub/internal/lease"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/plan"
)

type fixture struct {
	store   *persistence.Store
	leases  *lease.Manager
	sweeper *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "planhub.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	docs, err := persistence.NewDocStore(filepath.Join(dir, "docs"))
	if err != nil {
		t.Fatalf("NewDocStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	leases := lease.NewManager(docs, nil, logger)
	return &fixture{
		store:   store,
		leases:  leases,
		sweeper: NewSweeper(store, leases, nil, logger),
	}
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		ID:          "p1",
		WorkspaceID: "ws1",
		Name:        "rollout",
		Steps: []plan.Step{
			{Index: 1, Phase: "build", Task: "write handler", Status: plan.StepStatusDone},
			{Index: 2, Phase: "build", Task: "wire routes", Status: plan.StepStatusActive},
			{Index: 3, Phase: "build", Task: "add tests", Status: plan.StepStatusPending},
		},
	}
}

func TestRecover_HealthyPlanIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := testPlan()
	p.Steps[1].Status = plan.StepStatusPending

	res, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if res.Recovered {
		t.Fatalf("recovered = true on healthy plan: %+v", res)
	}

	records, err := f.store.ListRecoveryRecords(ctx, "ws1", "p1", 10)
	if err != nil {
		t.Fatalf("ListRecoveryRecords: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("healthy sweep wrote %d audit records", len(records))
	}
}

func TestRecover_ResetsActiveSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := testPlan()
	res, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if !res.Recovered || res.StepsReset != 1 {
		t.Fatalf("result = %+v, want recovered with 1 step reset", res)
	}

	step := p.StepByIndex(2)
	if step.Status != plan.StepStatusPending {
		t.Fatalf("step status = %q, want pending", step.Status)
	}
	if len(step.Notes) != 1 || !strings.Contains(step.Notes[0], "Recovered from stale run") {
		t.Fatalf("notes = %v, want recovery note", step.Notes)
	}
	// Untouched steps stay untouched.
	if p.StepByIndex(1).Status != plan.StepStatusDone {
		t.Fatal("done step was modified")
	}
	if p.StepByIndex(3).Status != plan.StepStatusPending {
		t.Fatal("pending step was modified")
	}
}

func TestRecover_FreshRunIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A live run: fresh session, active step, fresh lease.
	if err := f.store.CreateSession(ctx, persistence.AgentSession{
		SessionID: "s-live", WorkspaceID: "ws1", PlanID: "p1", AgentType: "executor",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := f.leases.Acquire(ctx, "ws1", "p1", lease.Candidate{RunID: "run-live"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	p := testPlan()
	res, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if res.Recovered {
		t.Fatalf("result = %+v, want no-op on a live run", res)
	}
	if p.StepByIndex(2).Status != plan.StepStatusActive {
		t.Fatal("active step of a live run was requeued")
	}
	current, _ := f.leases.Current("ws1", "p1")
	if current.Status != lease.StatusActive {
		t.Fatalf("fresh lease status = %q, want active", current.Status)
	}
}

func TestRecover_ForceCompletesStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.CreateSession(ctx, persistence.AgentSession{
		SessionID: "s-old", WorkspaceID: "ws1", PlanID: "p1", AgentType: "executor",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.TouchSessionStart(ctx, "s-old", time.Now().Add(-25*time.Minute)); err != nil {
		t.Fatalf("TouchSessionStart: %v", err)
	}
	// A fresh session must survive the sweep.
	if err := f.store.CreateSession(ctx, persistence.AgentSession{
		SessionID: "s-new", WorkspaceID: "ws1", PlanID: "p1", AgentType: "reviewer",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	p := testPlan()
	p.Steps[1].Status = plan.StepStatusPending

	res, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if !res.Recovered || res.SessionsEnded != 1 {
		t.Fatalf("result = %+v, want 1 session ended", res)
	}

	old, _ := f.store.GetSession(ctx, "s-old")
	if old.CompletedAt == nil {
		t.Fatal("stale session not completed")
	}
	if !strings.Contains(old.Summary, "Recovered from stale run") {
		t.Fatalf("summary = %q, want recovery note", old.Summary)
	}
	fresh, _ := f.store.GetSession(ctx, "s-new")
	if fresh.CompletedAt != nil {
		t.Fatal("fresh session was force-completed")
	}
}

func TestRecover_ReleasesOrphanedLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Acquire in the past so the lease reads as stale to the sweep.
	f.leases.SetClock(func() time.Time { return time.Now().Add(-25 * time.Minute) })
	if _, err := f.leases.Acquire(ctx, "ws1", "p1", lease.Candidate{RunID: "run-dead"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	f.leases.SetClock(time.Now)

	p := testPlan()
	p.Steps[1].Status = plan.StepStatusPending

	res, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}
	if !res.Recovered || !res.LeaseReleased {
		t.Fatalf("result = %+v, want lease released", res)
	}

	current, err := f.leases.Current("ws1", "p1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.Status != lease.StatusReleased {
		t.Fatalf("lease status = %q, want released", current.Status)
	}
	if current.ReleaseReasonCode != lease.ReasonStaleRecovery {
		t.Fatalf("release reason = %q, want %q", current.ReleaseReasonCode, lease.ReasonStaleRecovery)
	}
}

func TestRecover_WritesAuditRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := testPlan()
	if _, err := f.sweeper.RecoverStaleRuns(ctx, p); err != nil {
		t.Fatalf("RecoverStaleRuns: %v", err)
	}

	records, err := f.store.ListRecoveryRecords(ctx, "ws1", "p1", 10)
	if err != nil {
		t.Fatalf("ListRecoveryRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].StepsReset != 1 {
		t.Fatalf("record = %+v, want steps_reset 1", records[0])
	}
}

func TestRecover_SecondSweepIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.CreateSession(ctx, persistence.AgentSession{
		SessionID: "s1", WorkspaceID: "ws1", PlanID: "p1", AgentType: "executor",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.TouchSessionStart(ctx, "s1", time.Now().Add(-30*time.Minute)); err != nil {
		t.Fatalf("TouchSessionStart: %v", err)
	}
	f.leases.SetClock(func() time.Time { return time.Now().Add(-30 * time.Minute) })
	if _, err := f.leases.Acquire(ctx, "ws1", "p1", lease.Candidate{RunID: "run-dead"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	f.leases.SetClock(time.Now)

	p := testPlan()
	first, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if !first.Recovered {
		t.Fatalf("first sweep = %+v, want recovered", first)
	}

	second, err := f.sweeper.RecoverStaleRuns(ctx, p)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Recovered {
		t.Fatalf("second sweep = %+v, want no-op", second)
	}
}
