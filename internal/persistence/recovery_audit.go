package persistence

import (
	"context"
	"fmt"
	"time"
)

// RecoveryRecord is the persisted audit trail of one stale-run sweep that
// found work to do.
type RecoveryRecord struct {
	ID            int64     `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	PlanID        string    `json:"plan_id"`
	StepsReset    int       `json:"steps_reset"`
	SessionsEnded int       `json:"sessions_ended"`
	LeaseReleased bool      `json:"lease_released"`
	Note          string    `json:"note"`
	CreatedAt     time.Time `json:"created_at"`
}

// AppendRecoveryRecord persists a recovery audit record for a plan.
func (s *Store) AppendRecoveryRecord(ctx context.Context, rec RecoveryRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recovery_audit (workspace_id, plan_id, steps_reset, sessions_ended, lease_released, note)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.WorkspaceID, rec.PlanID, rec.StepsReset, rec.SessionsEnded, boolToInt(rec.LeaseReleased), rec.Note)
		if err != nil {
			return fmt.Errorf("insert recovery_audit: %w", err)
		}
		return nil
	})
}

// ListRecoveryRecords returns recovery records for a plan, newest first.
func (s *Store) ListRecoveryRecords(ctx context.Context, workspaceID, planID string, limit int) ([]RecoveryRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, plan_id, steps_reset, sessions_ended, lease_released, note, created_at
		FROM recovery_audit
		WHERE workspace_id = ? AND plan_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, workspaceID, planID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recovery_audit: %w", err)
	}
	defer rows.Close()

	var out []RecoveryRecord
	for rows.Next() {
		var rec RecoveryRecord
		var released int
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.PlanID, &rec.StepsReset, &rec.SessionsEnded, &released, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery record: %w", err)
		}
		rec.LeaseReleased = released != 0
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recovery rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
