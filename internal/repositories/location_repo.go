package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	locationKeyPrefix    = "location:"
	sessionLocationIndex = "session:%s:locations"
)

// RedisLocationRepository keeps the latest sample per user and session.
// Samples are ephemeral: each key expires after the retention window so a
// user who stops sharing eventually disappears from the session.
type RedisLocationRepository struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisLocationRepository(client *redis.Client, retention time.Duration) *RedisLocationRepository {
	return &RedisLocationRepository{client: client, retention: retention}
}

func (r *RedisLocationRepository) Upsert(ctx context.Context, sample *models.LiveLocationSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, locationKey(sample.SessionID, sample.UserID), data, r.retention)
	pipe.SAdd(ctx, fmt.Sprintf(sessionLocationIndex, sample.SessionID), sample.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store location: %w", err)
	}
	return nil
}

func (r *RedisLocationRepository) Get(ctx context.Context, sessionID uuid.UUID, userID string) (*models.LiveLocationSample, error) {
	data, err := r.client.Get(ctx, locationKey(sessionID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}

	var sample models.LiveLocationSample
	if err := json.Unmarshal([]byte(data), &sample); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &sample, nil
}

func (r *RedisLocationRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.LiveLocationSample, error) {
	indexKey := fmt.Sprintf(sessionLocationIndex, sessionID)
	userIDs, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session locations: %w", err)
	}

	var samples []models.LiveLocationSample
	var expiredIDs []any

	for _, id := range userIDs {
		sample, err := r.Get(ctx, sessionID, id)
		if errors.Is(err, ErrNotFound) {
			expiredIDs = append(expiredIDs, id)
			continue
		}
		if err != nil {
			slog.Warn("failed to read location", "session_id", sessionID, "user_id", id, "error", err)
			continue
		}
		samples = append(samples, *sample)
	}

	// Lazy cleanup of index entries whose sample has expired
	if len(expiredIDs) > 0 {
		if err := r.client.SRem(ctx, indexKey, expiredIDs...).Err(); err != nil {
			slog.Warn("failed to clean up expired locations", "session_id", sessionID, "error", err)
		}
	}
	return samples, nil
}

func (r *RedisLocationRepository) Delete(ctx context.Context, sessionID uuid.UUID, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, locationKey(sessionID, userID))
	pipe.SRem(ctx, fmt.Sprintf(sessionLocationIndex, sessionID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete location: %w", err)
	}
	return nil
}

func locationKey(sessionID uuid.UUID, userID string) string {
	return locationKeyPrefix + sessionID.String() + ":" + userID
}
