// Package cache implements the two-tier cache serving the matching pipeline:
// a bounded in-process tier (L1) in front of a shared remote tier (L2).
//
// The cache never surfaces backend failures. Serialization or connectivity
// errors degrade to a miss, and corrupted remote payloads are deleted
// opportunistically on read.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is the envelope persisted in the remote tier. Expiry travels with the
// payload so the tiered layer can make promotion decisions without an extra
// TTL round trip.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Expired reports whether the entry's expiry has passed at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Remaining returns the time left until expiry, clamped at zero.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Store is the remote cache protocol the tiered layer consumes. The valkey
// implementation is the production backend; tests may substitute their own.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	AddToSet(ctx context.Context, key string, members []string, ttl time.Duration) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Close(ctx context.Context) error
}
