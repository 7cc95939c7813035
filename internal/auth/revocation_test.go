package auth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMemoryRegistryRecordIsInsertIfAbsent(t *testing.T) {
	clock := newFakeClock()
	r := NewMemoryRegistry().WithClock(clock.Now)
	ctx := context.Background()
	exp := clock.Now().Add(time.Minute)

	created, err := r.Record(ctx, "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.Record(ctx, "jti-1", exp)
	require.NoError(t, err)
	assert.False(t, created)

	revoked, err := r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = r.IsRevoked(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestMemoryRegistryIgnoresExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	r := NewMemoryRegistry().WithClock(clock.Now)
	ctx := context.Background()

	created, err := r.Record(ctx, "stale", clock.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, r.Len())

	_, err = r.Record(ctx, "short", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	clock.Advance(time.Minute)

	revoked, err := r.IsRevoked(ctx, "short")
	require.NoError(t, err)
	assert.False(t, revoked)
	assert.Zero(t, r.Len(), "lookup should evict the lapsed entry")

	// A lapsed entry can be recorded again.
	created, err = r.Record(ctx, "short", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMemoryRegistrySweep(t *testing.T) {
	clock := newFakeClock()
	r := NewMemoryRegistry().WithClock(clock.Now)
	ctx := context.Background()

	for i := range 50 {
		ttl := time.Minute
		if i%2 == 0 {
			ttl = time.Hour
		}
		_, err := r.Record(ctx, fmt.Sprintf("jti-%d", i), clock.Now().Add(ttl))
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)

	removed, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, removed)
	assert.Equal(t, 25, r.Len())
}

func TestMemoryRegistryConcurrentRecord(t *testing.T) {
	r := NewMemoryRegistry()
	exp := time.Now().Add(time.Hour)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Record(context.Background(), "shared", exp)
			if err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
}

func TestRedisRegistry(t *testing.T) {
	mr, client := newMiniRedis(t)
	clock := newFakeClock()
	r := NewRedisRegistry(client, "test:revoked").WithClock(clock.Now)
	ctx := context.Background()

	created, err := r.Record(ctx, "jti-1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, mr.Exists("test:revoked:jti-1"))
	assert.InDelta(t, time.Minute, mr.TTL("test:revoked:jti-1"), float64(10*time.Millisecond))

	created, err = r.Record(ctx, "jti-1", clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	revoked, err := r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = r.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	created, err = r.Record(ctx, "old", clock.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, mr.Exists("test:revoked:old"))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisRegistryUnavailable(t *testing.T) {
	mr, client := newMiniRedis(t)
	r := NewRedisRegistry(client, "")
	mr.Close()

	_, err := r.IsRevoked(context.Background(), "jti-1")
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	_, err = r.Record(context.Background(), "jti-1", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}
