package plan

import (
	"testing"
)

func newTestPlan() *Plan {
	return &Plan{
		ID:          "p1",
		WorkspaceID: "ws1",
		Steps: []Step{
			{Index: 0, Phase: "research", Task: "gather sources", Status: StepStatusPending},
			{Index: 1, Phase: "build", Task: "implement", Status: StepStatusActive},
			{Index: 2, Phase: "review", Task: "sign off", Status: StepStatusPending, RequiresConfirmation: true},
		},
	}
}

func TestTransitionStep_Basic(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(0, StepStatusActive, "executor"); err != nil {
		t.Fatalf("pending -> active: %v", err)
	}
	if p.Steps[0].Status != StepStatusActive {
		t.Fatalf("status = %s, want active", p.Steps[0].Status)
	}
}

func TestTransitionStep_Illegal(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(0, StepStatusDone, "executor"); err == nil {
		t.Fatal("pending -> done should be rejected")
	}
}

func TestTransitionStep_DoneSetsCompletion(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(1, StepStatusDone, "executor"); err != nil {
		t.Fatalf("active -> done: %v", err)
	}
	step := p.StepByIndex(1)
	if step.CompletedAt == nil {
		t.Fatal("CompletedAt not set")
	}
	if step.CompletedByAgent != "executor" {
		t.Fatalf("CompletedByAgent = %q, want executor", step.CompletedByAgent)
	}
}

func TestTransitionStep_ConfirmationGate(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(2, StepStatusActive, "reviewer"); err != nil {
		t.Fatalf("pending -> active: %v", err)
	}
	// Leaving active without a confirmation must be rejected.
	if err := p.TransitionStep(2, StepStatusDone, "reviewer"); err == nil {
		t.Fatal("gated transition succeeded without confirmation")
	}

	p.Confirm("review", 2, "hub")
	if err := p.TransitionStep(2, StepStatusDone, "reviewer"); err != nil {
		t.Fatalf("gated transition with confirmation: %v", err)
	}
}

func TestTransitionStep_PhaseLevelConfirmation(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(2, StepStatusActive, "reviewer"); err != nil {
		t.Fatalf("pending -> active: %v", err)
	}
	p.Confirm("review", PhaseConfirmation, "hub")
	if err := p.TransitionStep(2, StepStatusDone, "reviewer"); err != nil {
		t.Fatalf("phase-level confirmation not honored: %v", err)
	}
}

func TestTransitionStep_RecoveryRequeue(t *testing.T) {
	p := newTestPlan()
	if err := p.TransitionStep(1, StepStatusPending, "recovery"); err != nil {
		t.Fatalf("active -> pending (recovery): %v", err)
	}
}

func TestActiveSteps(t *testing.T) {
	p := newTestPlan()
	got := p.ActiveSteps()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("ActiveSteps = %v, want [1]", got)
	}
}

func TestAppendNote(t *testing.T) {
	p := newTestPlan()
	step := p.StepByIndex(0)
	step.AppendNote("reset by recovery sweep")
	if len(step.Notes) != 1 {
		t.Fatalf("notes = %d, want 1", len(step.Notes))
	}
	if step.Notes[0] == "reset by recovery sweep" {
		t.Fatal("note should carry a timestamp prefix")
	}
}
