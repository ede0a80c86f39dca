// Package plan defines the plan/phase/step state model shared by the
// orchestrator, recovery sweeps, and agent materialization.
package plan

import (
	"fmt"
	"time"
)

type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusActive  StepStatus = "active"
	StepStatusDone    StepStatus = "done"
	StepStatusBlocked StepStatus = "blocked"
)

var allowedTransitions = map[StepStatus]map[StepStatus]struct{}{
	StepStatusPending: {
		StepStatusActive:  {},
		StepStatusBlocked: {},
	},
	StepStatusActive: {
		StepStatusDone:    {},
		StepStatusBlocked: {},
		StepStatusPending: {}, // Stale-run recovery requeue.
	},
	StepStatusBlocked: {
		StepStatusPending: {},
		StepStatusActive:  {},
	},
}

// Step is a unit of work within a plan's phase sequence.
type Step struct {
	Index                int        `json:"index"`
	Phase                string     `json:"phase"`
	Task                 string     `json:"task"`
	Status               StepStatus `json:"status"`
	Type                 string     `json:"type,omitempty"`
	Assignee             string     `json:"assignee,omitempty"`
	Notes                []string   `json:"notes,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	CompletedByAgent     string     `json:"completed_by_agent,omitempty"`
}

// Confirmation records a human/hub sign-off for a phase or a single step.
// StepIndex of -1 means the confirmation covers the whole phase.
type Confirmation struct {
	Phase       string    `json:"phase"`
	StepIndex   int       `json:"step_index"`
	ConfirmedBy string    `json:"confirmed_by"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// PhaseConfirmation is the StepIndex sentinel for phase-level confirmations.
const PhaseConfirmation = -1

// Plan is the in-memory plan state. Callers load it from storage, mutate it
// through the methods here, and persist it back under the storage lock.
type Plan struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	Steps         []Step         `json:"steps"`
	Confirmations []Confirmation `json:"confirmations,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func canTransition(from, to StepStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// hasConfirmation reports whether a confirmation record exists covering the
// given step, either step-level or phase-level.
func (p *Plan) hasConfirmation(step Step) bool {
	for _, c := range p.Confirmations {
		if c.Phase != step.Phase {
			continue
		}
		if c.StepIndex == PhaseConfirmation || c.StepIndex == step.Index {
			return true
		}
	}
	return false
}

// Confirm appends a confirmation record. stepIndex may be PhaseConfirmation.
func (p *Plan) Confirm(phase string, stepIndex int, confirmedBy string) {
	p.Confirmations = append(p.Confirmations, Confirmation{
		Phase:       phase,
		StepIndex:   stepIndex,
		ConfirmedBy: confirmedBy,
		ConfirmedAt: time.Now().UTC(),
	})
}

// StepByIndex returns a pointer into Steps, or nil if the index is unknown.
func (p *Plan) StepByIndex(index int) *Step {
	for i := range p.Steps {
		if p.Steps[i].Index == index {
			return &p.Steps[i]
		}
	}
	return nil
}

// TransitionStep moves a step to a new status, enforcing the transition table
// and the confirmation gate: a step transitioning into done, or out of
// active, while flagged requires_confirmation must have a matching
// confirmation record or the transition is rejected.
func (p *Plan) TransitionStep(index int, to StepStatus, byAgent string) error {
	step := p.StepByIndex(index)
	if step == nil {
		return fmt.Errorf("step %d not found in plan %s", index, p.ID)
	}
	if !canTransition(step.Status, to) {
		return fmt.Errorf("illegal step transition %s -> %s", step.Status, to)
	}
	gated := to == StepStatusDone || step.Status == StepStatusActive
	if step.RequiresConfirmation && gated && !p.hasConfirmation(*step) {
		return fmt.Errorf("step %d requires confirmation before leaving %s", index, step.Status)
	}
	step.Status = to
	if to == StepStatusDone {
		now := time.Now().UTC()
		step.CompletedAt = &now
		step.CompletedByAgent = byAgent
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendNote adds a timestamped note to a step.
func (s *Step) AppendNote(note string) {
	stamped := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), note)
	s.Notes = append(s.Notes, stamped)
}

// ActiveSteps returns the indices of all steps currently marked active.
func (p *Plan) ActiveSteps() []int {
	var out []int
	for _, s := range p.Steps {
		if s.Status == StepStatusActive {
			out = append(out, s.Index)
		}
	}
	return out
}
