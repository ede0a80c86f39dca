package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type RegistryStatus string

const (
	RegistryStatusActive    RegistryStatus = "active"
	RegistryStatusCompleted RegistryStatus = "completed"
	RegistryStatusStale     RegistryStatus = "stale"
)

// RegistryEntry is a per-workspace record of an agent session's claimed
// scope. Claims are advisory: peers consume them as injected instruction
// text, not as enforced locks.
type RegistryEntry struct {
	SessionID        string         `json:"sessionId"`
	WorkspaceID      string         `json:"workspaceId"`
	AgentType        string         `json:"agentType"`
	PlanID           string         `json:"planId"`
	CurrentPhase     string         `json:"currentPhase,omitempty"`
	StepIndices      []int          `json:"stepIndicesClaimed,omitempty"`
	FilesInScope     []string       `json:"filesInScope,omitempty"`
	MaterialisedPath string         `json:"materialisedPath,omitempty"`
	Status           RegistryStatus `json:"status"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// UpsertRegistryEntry inserts or replaces the registry row for a session.
// Called on every materialization; the latest call wins wholesale.
func (s *Store) UpsertRegistryEntry(ctx context.Context, entry RegistryEntry) error {
	if entry.SessionID == "" {
		return fmt.Errorf("sessionId must be non-empty")
	}
	if entry.Status == "" {
		entry.Status = RegistryStatusActive
	}
	steps, err := json.Marshal(orEmptyInts(entry.StepIndices))
	if err != nil {
		return fmt.Errorf("marshal step indices: %w", err)
	}
	files, err := json.Marshal(orEmptySlice(entry.FilesInScope))
	if err != nil {
		return fmt.Errorf("marshal files in scope: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_registry (session_id, workspace_id, agent_type, plan_id, current_phase, step_indices, files_in_scope, materialised_path, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(session_id) DO UPDATE SET
				workspace_id = excluded.workspace_id,
				agent_type = excluded.agent_type,
				plan_id = excluded.plan_id,
				current_phase = excluded.current_phase,
				step_indices = excluded.step_indices,
				files_in_scope = excluded.files_in_scope,
				materialised_path = excluded.materialised_path,
				status = excluded.status,
				updated_at = CURRENT_TIMESTAMP;
		`, entry.SessionID, entry.WorkspaceID, entry.AgentType, entry.PlanID,
			entry.CurrentPhase, string(steps), string(files), entry.MaterialisedPath, string(entry.Status))
		if err != nil {
			return fmt.Errorf("upsert session_registry: %w", err)
		}
		return nil
	})
}

// ActivePeerEntries returns all active registry rows in the workspace other
// than the caller's own session.
func (s *Store) ActivePeerEntries(ctx context.Context, workspaceID, excludeSessionID string) ([]RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, workspace_id, agent_type, plan_id, current_phase, step_indices, files_in_scope, materialised_path, status, updated_at
		FROM session_registry
		WHERE workspace_id = ? AND status = 'active' AND session_id != ?
		ORDER BY updated_at DESC;
	`, workspaceID, excludeSessionID)
	if err != nil {
		return nil, fmt.Errorf("query peer sessions: %w", err)
	}
	defer rows.Close()

	var out []RegistryEntry
	for rows.Next() {
		entry, err := scanRegistryEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan registry entry: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry rows: %w", err)
	}
	return out, nil
}

// CompleteRegistryEntry marks an entry completed. Idempotent; unknown
// sessions are a no-op.
func (s *Store) CompleteRegistryEntry(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE session_registry
			SET status = 'completed', updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ?;
		`, sessionID)
		if err != nil {
			return fmt.Errorf("complete registry entry: %w", err)
		}
		return nil
	})
}

// MarkRegistryEntryStale flags an entry stale so peer queries skip it.
func (s *Store) MarkRegistryEntryStale(ctx context.Context, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE session_registry
			SET status = 'stale', updated_at = CURRENT_TIMESTAMP
			WHERE session_id = ? AND status = 'active';
		`, sessionID)
		if err != nil {
			return fmt.Errorf("mark registry entry stale: %w", err)
		}
		return nil
	})
}

// GetRegistryEntry returns a registry row by session, or nil if absent.
func (s *Store) GetRegistryEntry(ctx context.Context, sessionID string) (*RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, agent_type, plan_id, current_phase, step_indices, files_in_scope, materialised_path, status, updated_at
		FROM session_registry WHERE session_id = ?;
	`, sessionID)
	entry, err := scanRegistryEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select registry entry: %w", err)
	}
	return entry, nil
}

func scanRegistryEntry(scanFn func(dest ...any) error) (*RegistryEntry, error) {
	var entry RegistryEntry
	var stepsRaw, filesRaw, status string
	if err := scanFn(
		&entry.SessionID,
		&entry.WorkspaceID,
		&entry.AgentType,
		&entry.PlanID,
		&entry.CurrentPhase,
		&stepsRaw,
		&filesRaw,
		&entry.MaterialisedPath,
		&status,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	entry.Status = RegistryStatus(status)
	if err := json.Unmarshal([]byte(stepsRaw), &entry.StepIndices); err != nil {
		return nil, fmt.Errorf("decode step indices: %w", err)
	}
	if err := json.Unmarshal([]byte(filesRaw), &entry.FilesInScope); err != nil {
		return nil, fmt.Errorf("decode files in scope: %w", err)
	}
	return &entry, nil
}

func orEmptyInts(in []int) []int {
	if in == nil {
		return []int{}
	}
	return in
}
