package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// AgentSession is a record of one agent's run within a plan.
// CompletedAt of nil means the session is still running.
type AgentSession struct {
	SessionID   string            `json:"session_id"`
	WorkspaceID string            `json:"workspace_id"`
	PlanID      string            `json:"plan_id"`
	AgentType   string            `json:"agent_type"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// CreateSession inserts a new running session. StartedAt defaults to now.
func (s *Store) CreateSession(ctx context.Context, sess AgentSession) error {
	if sess.SessionID == "" {
		return fmt.Errorf("session_id must be non-empty")
	}
	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	artifacts, err := json.Marshal(orEmptySlice(sess.Artifacts))
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	contextJSON, err := json.Marshal(orEmptyMap(sess.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (session_id, workspace_id, plan_id, agent_type, started_at, artifacts, context)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, sess.SessionID, sess.WorkspaceID, sess.PlanID, sess.AgentType, startedAt, string(artifacts), string(contextJSON))
		if err != nil {
			return fmt.Errorf("insert agent_session: %w", err)
		}
		return nil
	})
}

// GetSession returns a session by ID, or nil if absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, plan_id, agent_type, started_at, completed_at, COALESCE(summary, ''), artifacts, context
		FROM agent_sessions WHERE session_id = ?;
	`, sessionID)
	sess, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select agent_session: %w", err)
	}
	return sess, nil
}

// ListOpenSessions returns all sessions for a plan with completed_at unset.
func (s *Store) ListOpenSessions(ctx context.Context, workspaceID, planID string) ([]AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, workspace_id, plan_id, agent_type, started_at, completed_at, COALESCE(summary, ''), artifacts, context
		FROM agent_sessions
		WHERE workspace_id = ? AND plan_id = ? AND completed_at IS NULL
		ORDER BY started_at ASC;
	`, workspaceID, planID)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent_session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// CompleteSession sets completed_at and appends to the summary. Idempotent:
// an already-completed session keeps its original completion time.
func (s *Store) CompleteSession(ctx context.Context, sessionID, summaryNote string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE agent_sessions
			SET completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP),
				summary = CASE
					WHEN ? = '' THEN summary
					WHEN summary IS NULL OR summary = '' THEN ?
					ELSE summary || char(10) || ?
				END
			WHERE session_id = ?;
		`, summaryNote, summaryNote, summaryNote, sessionID)
		if err != nil {
			return fmt.Errorf("complete agent_session: %w", err)
		}
		return nil
	})
}

// TouchSessionStart rewrites started_at. Used by tests and recovery drills
// to age a session artificially.
func (s *Store) TouchSessionStart(ctx context.Context, sessionID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_sessions SET started_at = ? WHERE session_id = ?;
	`, startedAt.UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touch agent_session: %w", err)
	}
	return nil
}

// AddSessionArtifact appends a file path to the session's artifact list.
func (s *Store) AddSessionArtifact(ctx context.Context, sessionID, path string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin artifact tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT artifacts FROM agent_sessions WHERE session_id = ?;`, sessionID).Scan(&raw); err != nil {
			return fmt.Errorf("select artifacts: %w", err)
		}
		var artifacts []string
		if err := json.Unmarshal([]byte(raw), &artifacts); err != nil {
			return fmt.Errorf("decode artifacts: %w", err)
		}
		artifacts = append(artifacts, path)
		updated, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET artifacts = ? WHERE session_id = ?;`, string(updated), sessionID); err != nil {
			return fmt.Errorf("update artifacts: %w", err)
		}
		return tx.Commit()
	})
}

func scanSession(scanFn func(dest ...any) error) (*AgentSession, error) {
	var sess AgentSession
	var completedAt sql.NullTime
	var artifactsRaw, contextRaw string
	if err := scanFn(
		&sess.SessionID,
		&sess.WorkspaceID,
		&sess.PlanID,
		&sess.AgentType,
		&sess.StartedAt,
		&completedAt,
		&sess.Summary,
		&artifactsRaw,
		&contextRaw,
	); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(artifactsRaw), &sess.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(contextRaw), &sess.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return &sess, nil
}

func orEmptySlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func orEmptyMap(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	return in
}
