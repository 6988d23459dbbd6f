package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisLock is a Redis-backed distributed lock keyed by SET NX PX, the same
// idiom as the dedupe store: a TTL-bounded key acts as the mutex so a
// crashed holder releases automatically instead of wedging other replicas.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wraps an existing Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// Acquire polls for the lock every 100ms until it is held or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock acquire %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// release is a best-effort compare-and-delete; a lost race here is harmless
// because the TTL bounds how long a stale lock can survive.
func (l *RedisLock) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	val, err := l.client.Get(ctx, key).Result()
	if err != nil {
		return
	}
	if val == token {
		l.client.Del(ctx, key)
	}
}
