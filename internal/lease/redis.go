package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces lease keys in Redis.
const KeyPrefix = "content:lease:"

// Compare-and-delete and compare-and-extend: only the token owner may touch the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker hands out leases backed by Redis keys, so several processes can share
// one session table without racing on a session.
type RedisLocker struct {
	rdb redis.UniversalClient
}

// NewRedisLocker connects to the Redis server at url and verifies the connection.
func NewRedisLocker(ctx context.Context, url string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLocker{rdb: rdb}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// Close closes the Redis connection.
func (r *RedisLocker) Close() error {
	return r.rdb.Close()
}

func leaseKey(sessionID string) string {
	return KeyPrefix + sessionID
}

func (r *RedisLocker) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, leaseKey(sessionID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{rdb: r.rdb, sessionID: sessionID, token: token}, nil
}

type redisLease struct {
	rdb       redis.UniversalClient
	sessionID string
	token     string
}

func (l *redisLease) SessionID() string { return l.sessionID }

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	n, err := refreshScript.Run(ctx, l.rdb, []string{leaseKey(l.sessionID)}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease refresh failed: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(l.sessionID)}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release failed: %w", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}
