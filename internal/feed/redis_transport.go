package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "fieldsync:changes:"

// RedisTransport fans messages out across instances with Redis pub/sub, one
// channel per session.
type RedisTransport struct {
	client    *redis.Client
	logger    *slog.Logger
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisTransport(client *redis.Client, logger *slog.Logger) *RedisTransport {
	return &RedisTransport{client: client, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once Listen has a confirmed subscription.
func (t *RedisTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *RedisTransport) Publish(ctx context.Context, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := t.client.Publish(ctx, channelPrefix+msg.SessionID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (t *RedisTransport) Listen(ctx context.Context, deliver func(Message)) error {
	pubsub := t.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting readiness
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to change channels: %w", err)
	}
	t.readyOnce.Do(func() { close(t.ready) })
	t.logger.Info("listening for change messages", slog.String("pattern", channelPrefix+"*"))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeMessage([]byte(raw.Payload))
			if err != nil {
				t.logger.Warn("discarding undecodable message",
					slog.String("channel", raw.Channel),
					slog.Any("error", err),
				)
				continue
			}
			deliver(msg)
		}
	}
}
