// Package registry exposes the workspace session registry: per-session
// rows describing what each agent claims to be working on. Claims are
// advisory instruction material for peers, never enforced locks.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/planhub/internal/bus"
	"github.com/basket/planhub/internal/persistence"
	"github.com/basket/planhub/internal/shared"
)

type Service struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewService(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		bus:    eventBus,
		logger: logger.With("component", "registry"),
	}
}

// Upsert inserts or replaces a session's registry row. Called on every
// materialization, so repeated calls for the same session replace the
// claimed phase/steps/files wholesale.
func (s *Service) Upsert(ctx context.Context, entry persistence.RegistryEntry) error {
	if err := s.store.UpsertRegistryEntry(ctx, entry); err != nil {
		return fmt.Errorf("upsert registry entry: %w", err)
	}
	s.logger.DebugContext(ctx, "registry entry upserted",
		"trace_id", shared.TraceID(ctx),
		"session_id", entry.SessionID,
		"workspace_id", entry.WorkspaceID,
		"agent_type", entry.AgentType,
		"phase", entry.CurrentPhase)
	return nil
}

// ActivePeers returns all active sessions in the workspace except the
// caller's own. Best-effort visibility: a peer that registered a moment
// ago may be missing, and that is acceptable by design.
func (s *Service) ActivePeers(ctx context.Context, workspaceID, excludeSessionID string) ([]persistence.RegistryEntry, error) {
	peers, err := s.store.ActivePeerEntries(ctx, workspaceID, excludeSessionID)
	if err != nil {
		return nil, fmt.Errorf("query active peers: %w", err)
	}
	return peers, nil
}

// Complete marks a session's registry row completed. Idempotent.
func (s *Service) Complete(ctx context.Context, sessionID string) error {
	if err := s.store.CompleteRegistryEntry(ctx, sessionID); err != nil {
		return fmt.Errorf("complete registry entry: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicSessionCompleted, bus.SessionEvent{SessionID: sessionID})
	}
	return nil
}

// Get returns a registry row by session ID, or nil if absent.
func (s *Service) Get(ctx context.Context, sessionID string) (*persistence.RegistryEntry, error) {
	return s.store.GetRegistryEntry(ctx, sessionID)
}
