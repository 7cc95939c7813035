package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisThrottle shares attempt counters between instances. The key TTL is
// reset on every failure, giving the same sliding inactivity window as
// MemoryThrottle.
type RedisThrottle struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

func NewRedisThrottle(client *redis.Client, prefix string, maxAttempts int, window time.Duration) *RedisThrottle {
	if prefix == "" {
		prefix = "auth:attempts"
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultAttemptWindow
	}
	return &RedisThrottle{client: client, prefix: prefix, maxAttempts: maxAttempts, window: window, now: time.Now}
}

func (t *RedisThrottle) key(identifier string) string {
	return fmt.Sprintf("%s:%s", t.prefix, normalizeIdentifier(identifier))
}

func (t *RedisThrottle) RecordFailure(ctx context.Context, identifier string) (int, error) {
	key := t.key(identifier)

	pipe := t.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, t.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("%w: record failed attempt: %w", ErrUpstreamUnavailable, err)
	}
	return int(incr.Val()), nil
}

func (t *RedisThrottle) RecordSuccess(ctx context.Context, identifier string) error {
	if err := t.client.Del(ctx, t.key(identifier)).Err(); err != nil {
		return fmt.Errorf("%w: clear attempts: %w", ErrUpstreamUnavailable, err)
	}
	return nil
}

func (t *RedisThrottle) IsLocked(ctx context.Context, identifier string) (bool, time.Time, error) {
	key := t.key(identifier)

	pipe := t.client.Pipeline()
	get := pipe.Get(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, time.Time{}, fmt.Errorf("%w: read attempts: %w", ErrUpstreamUnavailable, err)
	}

	count, err := get.Int()
	if err == redis.Nil {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: parse attempts: %w", ErrUpstreamUnavailable, err)
	}
	if count < t.maxAttempts {
		return false, time.Time{}, nil
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = t.window
	}
	return true, t.now().Add(remaining), nil
}

func (t *RedisThrottle) Sweep(context.Context) (int, error) {
	return 0, nil
}
