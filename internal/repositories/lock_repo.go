package repositories

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "lock:"

// Lock hashes carry holder, token, acquired_at and expires_at (unix millis).
// Expiry is checked against the caller's clock as well as the key TTL, so a
// hash that Redis has not evicted yet is still treated as free once past
// expires_at.

var acquireScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
local now = tonumber(ARGV[3])
if holder then
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	if not expires or expires <= now then
		holder = false
	elseif holder ~= ARGV[1] then
		return {0, holder, redis.call('HGET', KEYS[1], 'token'), redis.call('HGET', KEYS[1], 'acquired_at'), tostring(expires)}
	end
end
local token = ARGV[2]
local acquired = ARGV[3]
if holder then
	token = redis.call('HGET', KEYS[1], 'token')
	acquired = redis.call('HGET', KEYS[1], 'acquired_at')
end
local expires = now + tonumber(ARGV[4])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'token', token, 'acquired_at', acquired, 'expires_at', tostring(expires))
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {1, ARGV[1], token, acquired, tostring(expires)}
`)

var forceScript = redis.NewScript(`
local prev = redis.call('HMGET', KEYS[1], 'holder', 'token', 'acquired_at', 'expires_at')
local expires = tonumber(ARGV[3]) + tonumber(ARGV[4])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'token', ARGV[2], 'acquired_at', ARGV[3], 'expires_at', tostring(expires))
redis.call('PEXPIRE', KEYS[1], ARGV[4])
if prev[1] and tonumber(prev[4]) > tonumber(ARGV[3]) then
	return {1, prev[1], prev[2], prev[3], prev[4]}
end
return {0}
`)

var releaseScript = redis.NewScript(`
local holder = redis.call('HGET', KEYS[1], 'holder')
if not holder then
	return {1}
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if holder == ARGV[1] or not expires or expires <= tonumber(ARGV[2]) then
	redis.call('DEL', KEYS[1])
	return {1}
end
return {0, holder, redis.call('HGET', KEYS[1], 'token'), redis.call('HGET', KEYS[1], 'acquired_at'), tostring(expires)}
`)

type RedisLockRepository struct {
	client *redis.Client
	clock  clockwork.Clock
}

func NewRedisLockRepository(client *redis.Client, clock clockwork.Clock) *RedisLockRepository {
	return &RedisLockRepository{client: client, clock: clock}
}

func (r *RedisLockRepository) Acquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (*models.Lock, bool, error) {
	now := r.clock.Now()
	res, err := acquireScript.Run(ctx, r.client, []string{lockKey(resourceID)},
		holder, uuid.NewString(), now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	lock, err := lockFromReply(resourceID, res)
	if err != nil {
		return nil, false, err
	}
	return lock, res[0].(int64) == 1, nil
}

func (r *RedisLockRepository) ForceAcquire(ctx context.Context, resourceID, holder string, ttl time.Duration) (*models.Lock, *models.Lock, error) {
	now := r.clock.Now()
	token := uuid.NewString()
	res, err := forceScript.Run(ctx, r.client, []string{lockKey(resourceID)},
		holder, token, now.UnixMilli(), ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to force lock: %w", err)
	}

	lock := &models.Lock{
		ResourceID: resourceID,
		Holder:     holder,
		Token:      token,
		AcquiredAt: time.UnixMilli(now.UnixMilli()),
		ExpiresAt:  time.UnixMilli(now.Add(ttl).UnixMilli()),
	}
	if res[0].(int64) == 0 {
		return lock, nil, nil
	}
	previous, err := lockFromReply(resourceID, res)
	if err != nil {
		return nil, nil, err
	}
	return lock, previous, nil
}

func (r *RedisLockRepository) Release(ctx context.Context, resourceID, holder string) (*models.Lock, error) {
	res, err := releaseScript.Run(ctx, r.client, []string{lockKey(resourceID)},
		holder, r.clock.Now().UnixMilli()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to release lock: %w", err)
	}
	if res[0].(int64) == 1 {
		return nil, nil
	}
	return lockFromReply(resourceID, res)
}

// Get returns the live lock on resourceID, or ErrNotFound.
func (r *RedisLockRepository) Get(ctx context.Context, resourceID string) (*models.Lock, error) {
	fields, err := r.client.HGetAll(ctx, lockKey(resourceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	lock, ok := lockFromHash(resourceID, fields)
	if !ok || lock.ExpiredAt(r.clock.Now()) {
		return nil, ErrNotFound
	}
	return lock, nil
}

// GetMany fetches live locks for several resources in one round trip.
func (r *RedisLockRepository) GetMany(ctx context.Context, resourceIDs []string) (map[string]models.Lock, error) {
	locks := make(map[string]models.Lock)
	if len(resourceIDs) == 0 {
		return locks, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(resourceIDs))
	for i, id := range resourceIDs {
		cmds[i] = pipe.HGetAll(ctx, lockKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get locks: %w", err)
	}

	now := r.clock.Now()
	for i, cmd := range cmds {
		lock, ok := lockFromHash(resourceIDs[i], cmd.Val())
		if !ok || lock.ExpiredAt(now) {
			continue
		}
		locks[resourceIDs[i]] = *lock
	}
	return locks, nil
}

func (r *RedisLockRepository) Delete(ctx context.Context, resourceID string) error {
	if err := r.client.Del(ctx, lockKey(resourceID)).Err(); err != nil {
		return fmt.Errorf("failed to delete lock: %w", err)
	}
	return nil
}

func lockKey(resourceID string) string {
	return lockKeyPrefix + resourceID
}

// lockFromReply decodes {flag, holder, token, acquired_at, expires_at}.
func lockFromReply(resourceID string, res []any) (*models.Lock, error) {
	if len(res) < 5 {
		return nil, fmt.Errorf("unexpected lock script reply: %v", res)
	}
	holder, _ := res[1].(string)
	token, _ := res[2].(string)
	acquired, err := parseMillis(res[3])
	if err != nil {
		return nil, err
	}
	expires, err := parseMillis(res[4])
	if err != nil {
		return nil, err
	}
	return &models.Lock{
		ResourceID: resourceID,
		Holder:     holder,
		Token:      token,
		AcquiredAt: acquired,
		ExpiresAt:  expires,
	}, nil
}

func lockFromHash(resourceID string, fields map[string]string) (*models.Lock, bool) {
	if fields["holder"] == "" {
		return nil, false
	}
	acquired, err := parseMillis(fields["acquired_at"])
	if err != nil {
		return nil, false
	}
	expires, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, false
	}
	return &models.Lock{
		ResourceID: resourceID,
		Holder:     fields["holder"],
		Token:      fields["token"],
		AcquiredAt: acquired,
		ExpiresAt:  expires,
	}, true
}

func parseMillis(v any) (time.Time, error) {
	switch t := v.(type) {
	case int64:
		return time.UnixMilli(t), nil
	case string:
		ms, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid lock timestamp %q: %w", t, err)
		}
		return time.UnixMilli(ms), nil
	default:
		return time.Time{}, fmt.Errorf("invalid lock timestamp %v", v)
	}
}
