package auth

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} } // A

// ReplayCache remembers request signatures for the length of the replay
// window. Record returns true the first time a key is seen.
type ReplayCache interface { // A
	Record(ctx context.Context, key [32]byte) (bool, error)
}

// MemoryReplayCache tracks recently seen request keys in
// process memory. Expired entries are evicted inline
// during Record.
type MemoryReplayCache struct { // A
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryReplayCache creates a cache with the given TTL
// and clock.
func NewMemoryReplayCache( // A
	ttl time.Duration,
	clock Clock,
) *MemoryReplayCache {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryReplayCache{
		entries: make(map[[32]byte]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Record returns true if key was fresh. The zero key is
// never fresh.
func (c *MemoryReplayCache) Record( // A
	_ context.Context,
	key [32]byte,
) (bool, error) {
	if key == [32]byte{} {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanup()

	if _, exists := c.entries[key]; exists {
		return false, nil
	}

	c.entries[key] = c.clock.Now()
	return true, nil
}

// Len returns the number of live entries.
func (c *MemoryReplayCache) Len() int { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanup()
	return len(c.entries)
}

// cleanup evicts expired entries. Must be called with
// mu held.
func (c *MemoryReplayCache) cleanup() { // A
	cutoff := c.clock.Now().Add(-c.ttl)
	for k, v := range c.entries {
		if v.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// SetNXer is the part of a redis client the shared cache
// needs. *redis.Client and *redis.ClusterClient satisfy it.
type SetNXer interface { // A
	SetNX(
		ctx context.Context,
		key string,
		value interface{},
		expiration time.Duration,
	) *redis.BoolCmd
}

// RedisReplayCache shares seen request keys between
// gateway replicas. Redis expires entries after the TTL.
type RedisReplayCache struct { // A
	client SetNXer
	prefix string
	ttl    time.Duration
}

// NewRedisReplayCache creates a cache storing keys under
// prefix.
func NewRedisReplayCache( // A
	client SetNXer,
	prefix string,
	ttl time.Duration,
) *RedisReplayCache {
	if prefix == "" {
		prefix = "synergy:replay:"
	}
	return &RedisReplayCache{client: client, prefix: prefix, ttl: ttl}
}

// Record sets the key only if absent.
func (c *RedisReplayCache) Record( // A
	ctx context.Context,
	key [32]byte,
) (bool, error) {
	if key == [32]byte{} {
		return false, nil
	}
	fresh, err := c.client.SetNX(
		ctx, c.prefix+hex.EncodeToString(key[:]), 1, c.ttl,
	).Result()
	if err != nil {
		return false, apperr.Wrap(
			apperr.KindUnavailable, err, "replay cache",
		)
	}
	return fresh, nil
}
