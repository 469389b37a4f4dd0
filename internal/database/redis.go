package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	RedisClientName  = "fieldsync"
	RedisPingTimeout = 5 * time.Second
)

// NewRedisClient connects to redisURL. The client carries locks, presence,
// live locations and the cross-instance change fan-out.
func NewRedisClient(ctx context.Context, redisURL string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = RedisClientName
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, RedisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error pinging redis at %s: %w", opts.Addr, err)
	}

	logger.Info("redis client created",
		slog.String("addr", opts.Addr),
		slog.Int("db", opts.DB),
		slog.Int("pool_size", opts.PoolSize),
	)
	return client, nil
}
