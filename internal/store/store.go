package store

import (
	"context"
	"time"
)

// Member is a sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// Store is the durable key/value contract shared by every service. Each key
// is owned by exactly one entity; no cross-key transactions are offered or
// needed.
type Store interface {
	// Put writes value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value or common.ErrKeyNotFoundError if absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	// SetNX writes only if the key is absent, returning true on acquisition.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Scan returns every key matching the glob pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Incr atomically increments the counter at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRange returns members between start and stop ranks, lowest score first.
	ZRange(ctx context.Context, key string, start, stop int64) ([]Member, error)
}
