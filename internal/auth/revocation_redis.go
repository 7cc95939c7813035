package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRegistry shares revocations between instances. Each entry carries a
// TTL equal to the token's remaining lifetime, so Redis performs the sweep.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "auth:revoked"
	}
	return &RedisRegistry{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) WithClock(now func() time.Time) *RedisRegistry {
	r.now = now
	return r
}

func (r *RedisRegistry) key(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *RedisRegistry) Record(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	// Round up so the entry never outlives the token by less than a millisecond.
	ttl = ttl.Truncate(time.Millisecond) + time.Millisecond

	created, err := r.client.SetNX(ctx, r.key(id), expiresAt.Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: record revocation: %w", ErrUpstreamUnavailable, err)
	}
	return created, nil
}

func (r *RedisRegistry) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: check revocation: %w", ErrUpstreamUnavailable, err)
	}
	return n > 0, nil
}

// Sweep is a no-op; keys expire through their TTL.
func (r *RedisRegistry) Sweep(context.Context) (int, error) {
	return 0, nil
}
