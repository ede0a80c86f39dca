package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/plan"
)

const planDocType = "plan"

// PlanStore persists plan state as JSON documents in the shared doc
// store, under the same locked read-modify-write discipline as the
// lease.
type PlanStore struct {
	docs *persistence.DocStore
}

func NewPlanStore(docs *persistence.DocStore) *PlanStore {
	return &PlanStore{docs: docs}
}

// Available reports whether the backing document root is reachable.
func (s *PlanStore) Available() error {
	return s.docs.Available()
}

// Load reads a plan, or returns nil if none exists.
func (s *PlanStore) Load(workspaceID, planID string) (*plan.Plan, error) {
	var p plan.Plan
	found, err := s.docs.Get(workspaceID, planID, planDocType, &p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

// SavePlan writes a plan back under the document lock.
func (s *PlanStore) SavePlan(ctx context.Context, p *plan.Plan) error {
	if p.ID == "" || p.WorkspaceID == "" {
		return fmt.Errorf("plan id and workspace_id must be non-empty")
	}
	p.UpdatedAt = time.Now().UTC()
	return s.docs.LockedReadModifyWrite(ctx, p.WorkspaceID, p.ID, planDocType, func([]byte) ([]byte, error) {
		return json.Marshal(p)
	})
}

// Mutate applies fn to the stored plan under the document lock.
// fn receives nil when the plan does not exist yet.
func (s *PlanStore) Mutate(ctx context.Context, workspaceID, planID string, fn func(p *plan.Plan) error) error {
	return s.docs.LockedReadModifyWrite(ctx, workspaceID, planID, planDocType, func(current []byte) ([]byte, error) {
		var p *plan.Plan
		if current != nil {
			p = &plan.Plan{}
			if err := json.Unmarshal(current, p); err != nil {
				return nil, fmt.Errorf("decode plan document: %w", err)
			}
		}
		if err := fn(p); err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		p.UpdatedAt = time.Now().UTC()
		return json.Marshal(p)
	})
}

// ListPlans loads every stored plan. Corrupt documents are skipped so
// one bad plan cannot block a sweep over the rest.
func (s *PlanStore) ListPlans(ctx context.Context) ([]plan.Plan, error) {
	keys, err := s.docs.ListDocs(planDocType)
	if err != nil {
		return nil, err
	}
	var out []plan.Plan
	for _, key := range keys {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		p, err := s.Load(key.WorkspaceID, key.PlanID)
		if err != nil || p == nil {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}
