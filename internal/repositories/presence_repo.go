package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix    = "presence:"
	sessionPresenceIndex = "session:%s:presence"
	presenceTTL          = 60 * time.Second // Presence expires after 60 seconds without heartbeat
)

type RedisPresenceRepository struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedisPresenceRepository(client *redis.Client, clock clockwork.Clock) *RedisPresenceRepository {
	return &RedisPresenceRepository{client: client, clock: clock}
}

// SetPresence sets or refreshes the presence for a user in a session room.
// The live channel calls this on every heartbeat to keep the user "online".
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = r.clock.Now()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, presenceKey(presence.SessionID, presence.UserID), data, presenceTTL)
	pipe.SAdd(ctx, fmt.Sprintf(sessionPresenceIndex, presence.SessionID), presence.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, sessionID uuid.UUID, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, presenceKey(sessionID, userID))
	pipe.SRem(ctx, fmt.Sprintf(sessionPresenceIndex, sessionID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// ListBySession returns everyone currently online in the session. Index
// entries whose presence key has expired are removed lazily.
func (r *RedisPresenceRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Presence, error) {
	indexKey := fmt.Sprintf(sessionPresenceIndex, sessionID)
	userIDs, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session presence: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(sessionID, id)
	}

	// MGet retrieves every presence in one round trip
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	var online []models.Presence
	var expired []any
	for i, result := range results {
		data, ok := result.(string)
		if !ok {
			expired = append(expired, userIDs[i])
			continue
		}

		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			slog.Warn("failed to unmarshal presence", "session_id", sessionID, "user_id", userIDs[i], "error", err)
			continue
		}
		online = append(online, presence)
	}

	if len(expired) > 0 {
		if err := r.client.SRem(ctx, indexKey, expired...).Err(); err != nil {
			slog.Warn("failed to clean up expired presence", "session_id", sessionID, "error", err)
		}
	}
	return online, nil
}

func presenceKey(sessionID uuid.UUID, userID string) string {
	return presenceKeyPrefix + sessionID.String() + ":" + userID
}
