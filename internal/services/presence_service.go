package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/feed"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// PresenceService tracks who is connected to a session's live room.
type PresenceService struct {
	repo    repositories.PresenceRepository
	emitter ChangeEmitter
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewPresenceService(repo repositories.PresenceRepository, emitter ChangeEmitter, clock clockwork.Clock, logger *slog.Logger) *PresenceService {
	return &PresenceService{
		repo:    repo,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}
}

func (s *PresenceService) Join(ctx context.Context, actor models.Actor, sessionID uuid.UUID) (*models.Presence, error) {
	presence, err := s.touch(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, "join", *presence)
	return presence, nil
}

// Heartbeat refreshes the presence TTL without telling anyone.
func (s *PresenceService) Heartbeat(ctx context.Context, actor models.Actor, sessionID uuid.UUID) error {
	_, err := s.touch(ctx, actor, sessionID)
	return err
}

func (s *PresenceService) Leave(ctx context.Context, actor models.Actor, sessionID uuid.UUID) error {
	if err := s.repo.DeletePresence(ctx, sessionID, actor.ID); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	s.notify(ctx, "leave", models.Presence{
		SessionID:   sessionID,
		UserID:      actor.ID,
		DisplayName: actor.Name,
		Status:      string(models.StatusOffline),
		LastSeen:    s.clock.Now().UTC(),
	})
	return nil
}

func (s *PresenceService) List(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	members, err := s.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	return members, nil
}

func (s *PresenceService) touch(ctx context.Context, actor models.Actor, sessionID uuid.UUID) (*models.Presence, error) {
	presence := &models.Presence{
		SessionID:   sessionID,
		UserID:      actor.ID,
		DisplayName: actor.Name,
		Status:      string(models.StatusOnline),
		LastSeen:    s.clock.Now().UTC(),
	}
	if err := s.repo.SetPresence(ctx, presence); err != nil {
		return nil, fmt.Errorf("failed to set presence: %w", err)
	}
	return presence, nil
}

func (s *PresenceService) notify(ctx context.Context, event string, presence models.Presence) {
	notice := feed.PresenceNotice{Event: event, Presence: presence}
	if err := s.emitter.Notify(ctx, presence.SessionID, feed.MessagePresence, notice); err != nil {
		s.logger.Warn("failed to push presence", slog.String("user_id", presence.UserID), slog.Any("error", err))
	}
}
