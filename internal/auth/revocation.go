package auth

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// RevocationRegistry records token identifiers that must no longer be
// accepted. Entries are kept until the revoked token would have expired on
// its own.
type RevocationRegistry interface {
	// Record marks id as revoked until expiresAt. It reports whether the
	// entry was newly created, which makes it usable as an atomic
	// insert-if-absent.
	Record(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	IsRevoked(ctx context.Context, id string) (bool, error)
	// Sweep drops expired entries and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

type revocationShard struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// MemoryRegistry is a process-local RevocationRegistry striped across
// shards. State does not survive a restart.
type MemoryRegistry struct {
	shards [shardCount]*revocationShard
	now    func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &revocationShard{entries: make(map[string]time.Time)}
	}
	return r
}

// WithClock replaces the time source. Used by tests.
func (r *MemoryRegistry) WithClock(now func() time.Time) *MemoryRegistry {
	r.now = now
	return r
}

func (r *MemoryRegistry) shard(id string) *revocationShard {
	return r.shards[shardIndex(id)]
}

func (r *MemoryRegistry) Record(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	now := r.now()
	if !expiresAt.After(now) {
		return false, nil
	}

	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[id]; ok && existing.After(now) {
		if expiresAt.After(existing) {
			s.entries[id] = expiresAt
		}
		return false, nil
	}
	s.entries[id] = expiresAt
	return true, nil
}

func (r *MemoryRegistry) IsRevoked(_ context.Context, id string) (bool, error) {
	now := r.now()
	s := r.shard(id)

	s.mu.RLock()
	expiresAt, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if expiresAt.After(now) {
		return true, nil
	}

	s.mu.Lock()
	if current, ok := s.entries[id]; ok && !current.After(now) {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return false, nil
}

func (r *MemoryRegistry) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	removed := 0
	for _, s := range r.shards {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		s.mu.Lock()
		for id, expiresAt := range s.entries {
			if !expiresAt.After(now) {
				delete(s.entries, id)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of entries currently held, expired or not.
func (r *MemoryRegistry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
