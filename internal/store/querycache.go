package store

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// queryCache memoizes query results per operation fingerprint. It is a small
// process-local map, separate from the tiered cache, so the pool stays usable
// without any remote cache wiring.
type queryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[uint64]queryCacheEntry
}

type queryCacheEntry struct {
	rows      []Row
	expiresAt time.Time
}

func newQueryCache(ttl time.Duration) *queryCache {
	if ttl <= 0 {
		return nil
	}
	return &queryCache{ttl: ttl, entries: make(map[uint64]queryCacheEntry)}
}

func (c *queryCache) get(key uint64) ([]Row, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.rows, true
}

func (c *queryCache) put(key uint64, rows []Row, ttl time.Duration) {
	if c == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = queryCacheEntry{rows: rows, expiresAt: time.Now().Add(ttl)}
}

func (c *queryCache) purgeExpired() {
	if c == nil {
		return
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// fingerprint hashes the operation text and arguments into the cache key.
func fingerprint(sql string, args []any) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(sql)
	for i, arg := range args {
		_, _ = digest.WriteString("|" + strconv.Itoa(i) + ":")
		_, _ = digest.WriteString(fmt.Sprintf("%v", arg))
	}
	return digest.Sum64()
}
