package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxAttempts   = 5
	defaultAttemptWindow = 15 * time.Minute
)

// AttemptThrottle counts consecutive authentication failures per identifier.
// A counter lapses one window after its most recent failure; an identifier is
// locked while its count is at or above the threshold.
type AttemptThrottle interface {
	RecordFailure(ctx context.Context, identifier string) (int, error)
	RecordSuccess(ctx context.Context, identifier string) error
	// IsLocked reports the lock state and, when locked, the moment the lock
	// lapses if no further failures arrive.
	IsLocked(ctx context.Context, identifier string) (bool, time.Time, error)
	Sweep(ctx context.Context) (int, error)
}

type attemptCounter struct {
	count        int
	firstFailure time.Time
	lastFailure  time.Time
}

type throttleShard struct {
	mu       sync.Mutex
	counters map[string]*attemptCounter
}

type MemoryThrottle struct {
	shards      [shardCount]*throttleShard
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

func NewMemoryThrottle(maxAttempts int, window time.Duration) *MemoryThrottle {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultAttemptWindow
	}
	t := &MemoryThrottle{maxAttempts: maxAttempts, window: window, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &throttleShard{counters: make(map[string]*attemptCounter)}
	}
	return t
}

func (t *MemoryThrottle) WithClock(now func() time.Time) *MemoryThrottle {
	t.now = now
	return t
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func (t *MemoryThrottle) shard(key string) *throttleShard {
	return t.shards[shardIndex(key)]
}

// live returns the counter for key if it has not lapsed. Caller holds the
// shard lock.
func (t *MemoryThrottle) live(s *throttleShard, key string, now time.Time) *attemptCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if now.Sub(c.lastFailure) >= t.window {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (t *MemoryThrottle) RecordFailure(_ context.Context, identifier string) (int, error) {
	key := normalizeIdentifier(identifier)
	now := t.now()
	s := t.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := t.live(s, key, now)
	if c == nil {
		c = &attemptCounter{firstFailure: now}
		s.counters[key] = c
	}
	c.count++
	c.lastFailure = now
	return c.count, nil
}

func (t *MemoryThrottle) RecordSuccess(_ context.Context, identifier string) error {
	key := normalizeIdentifier(identifier)
	s := t.shard(key)

	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

func (t *MemoryThrottle) IsLocked(_ context.Context, identifier string) (bool, time.Time, error) {
	key := normalizeIdentifier(identifier)
	now := t.now()
	s := t.shard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := t.live(s, key, now)
	if c == nil || c.count < t.maxAttempts {
		return false, time.Time{}, nil
	}
	return true, c.lastFailure.Add(t.window), nil
}

func (t *MemoryThrottle) Sweep(ctx context.Context) (int, error) {
	now := t.now()
	removed := 0
	for _, s := range t.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.mu.Lock()
		for key, c := range s.counters {
			if now.Sub(c.lastFailure) >= t.window {
				delete(s.counters, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}
