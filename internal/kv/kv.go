// Package kv defines the thin key-value capability surface the platform
// consumes for locks, rate limits, dedupe keys, and queue state.
//
// Two implementations exist: RedisStore (shared across processes) and
// MemoryStore (single-process fallback). Consumers check Available() and
// fall back when the shared store is down; fallback is a first-class mode,
// announced in /admin/stats, not a hidden flag.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by RedisStore operations once the connection
// monitor has marked the backend down. Consumers switch to their local
// fallback on this error.
var ErrUnavailable = errors.New("kv: store unavailable")

// ZMember is one sorted-set member with its score. Scores are unix
// timestamps in milliseconds everywhere in this codebase.
type ZMember struct {
	Member string
	Score  float64
}

// Store is the capability set shared infrastructure is built on. All
// blocking calls take a context; implementations must honor its deadline.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetWithTTL writes unconditionally. ttl <= 0 means no expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent writes only when the key does not exist. Returns true when
	// this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes the key only if its current value equals
	// expected. Atomic. Returns true when the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire resets the key TTL only if its current value equals
	// expected. Atomic. Returns true when the TTL was extended.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// IncrementBy adds delta to an integer key, creating it with ttlIfNew
	// when absent, and returns the new value.
	IncrementBy(ctx context.Context, key string, delta int64, ttlIfNew time.Duration) (int64, error)

	// Delete removes keys unconditionally.
	Delete(ctx context.Context, keys ...string) error

	// ScanPrefix streams keys matching the prefix to fn in pages of
	// pageSize. fn returning an error stops the scan.
	ScanPrefix(ctx context.Context, prefix string, pageSize int64, fn func(key string) error) error

	// ZAdd inserts or updates one member of a sorted set.
	ZAdd(ctx context.Context, set string, score float64, member string) error

	// ZMoveByScore atomically moves up to limit members with
	// score <= maxScore from src to dst, re-scoring them to newScore.
	// Returns the moved members, lowest original score first.
	ZMoveByScore(ctx context.Context, src, dst string, maxScore, newScore float64, limit int64) ([]string, error)

	// ZRangeByScore returns members with min <= score <= max, paged.
	ZRangeByScore(ctx context.Context, set string, min, max float64, offset, count int64) ([]ZMember, error)

	// ZRem removes members from a sorted set, returning how many existed.
	ZRem(ctx context.Context, set string, members ...string) (int64, error)

	// ZCard returns the sorted set cardinality.
	ZCard(ctx context.Context, set string) (int64, error)

	// Available reports whether the backend is reachable. MemoryStore always
	// reports true.
	Available() bool

	// Name identifies the backend in stats ("redis" or "memory").
	Name() string

	// Close releases the backend connection.
	Close() error
}
