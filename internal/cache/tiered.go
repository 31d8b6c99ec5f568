package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/synastry/matchd/internal/metrics"
)

const (
	defaultAdmitThreshold     = 5 * time.Minute
	defaultPromotionThreshold = 5 * time.Minute
	defaultTagExtension       = time.Hour

	tagKeyPrefix = "tag:"
)

// Options configures the tiered cache.
type Options struct {
	// L1 is the in-process tier. A nil L1 disables the local tier entirely.
	L1 *Memory
	// Store is the remote tier. A nil Store degrades the cache to L1-only.
	Store Store
	// AdmitThreshold bounds which writes also land in L1: only entries whose
	// TTL is below it are admitted, keeping the local budget on hot,
	// short-lived data.
	AdmitThreshold time.Duration
	// PromotionThreshold bounds which L2 hits get promoted into L1.
	PromotionThreshold time.Duration
	// TagTTLExtension is added to the data TTL when indexing tags, so a tag
	// index can still invalidate after its data naturally expires.
	TagTTLExtension time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Tiered combines the bounded in-process tier with the shared remote tier.
// Every method degrades to a miss on backend failure; none of them return
// errors to callers.
type Tiered struct {
	l1      *Memory
	store   Store
	admit   time.Duration
	promote time.Duration
	tagExt  time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewTiered assembles the two tiers behind one read/write surface.
func NewTiered(opts Options) *Tiered {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admit := opts.AdmitThreshold
	if admit <= 0 {
		admit = defaultAdmitThreshold
	}
	promote := opts.PromotionThreshold
	if promote <= 0 {
		promote = defaultPromotionThreshold
	}
	tagExt := opts.TagTTLExtension
	if tagExt <= 0 {
		tagExt = defaultTagExtension
	}
	return &Tiered{
		l1:      opts.L1,
		store:   opts.Store,
		admit:   admit,
		promote: promote,
		tagExt:  tagExt,
		logger:  logger.With(slog.String("component", "cache")),
		metrics: opts.Metrics,
	}
}

// Get returns the payload for key from L1, falling back to L2. An L2 hit is
// promoted into L1 only when its remaining TTL sits below the promotion
// threshold. Corrupted L2 payloads are deleted and reported as a miss.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if t.l1 != nil {
		start := time.Now()
		if payload, ok := t.l1.Get(key); ok {
			t.observe(metrics.CacheTierL1, "get", metrics.CacheHit, start)
			return payload, true
		}
		t.observe(metrics.CacheTierL1, "get", metrics.CacheMiss, start)
	}
	if t.store == nil {
		return nil, false
	}

	start := time.Now()
	raw, ok, err := t.store.Get(ctx, key)
	if err != nil {
		t.observe(metrics.CacheTierL2, "get", metrics.CacheError, start)
		t.logger.Warn("remote get failed, treating as miss", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if !ok {
		t.observe(metrics.CacheTierL2, "get", metrics.CacheMiss, start)
		return nil, false
	}

	entry, decodeErr := decodeEntry(raw)
	now := time.Now()
	if decodeErr != nil || entry.Expired(now) {
		if decodeErr != nil {
			t.logger.Warn("corrupted remote payload removed", slog.String("key", key), slog.Any("error", decodeErr))
			if _, err := t.store.Delete(ctx, key); err != nil {
				t.logger.Debug("cleanup of corrupted payload failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		t.observe(metrics.CacheTierL2, "get", metrics.CacheMiss, start)
		return nil, false
	}
	t.observe(metrics.CacheTierL2, "get", metrics.CacheHit, start)

	if t.l1 != nil {
		if remaining := entry.Remaining(now); remaining > 0 && remaining < t.promote {
			evicted := t.l1.Set(key, entry.Payload, remaining)
			t.metrics.ObserveEviction(evicted)
		}
	}
	return entry.Payload, true
}

// Set writes the payload to L2 and, when the TTL is under the admit
// threshold, to L1 as well. Tags are indexed in remote sets whose TTL
// outlives the data by the configured extension. Returns false only when the
// payload could not be stored anywhere.
func (t *Tiered) Set(ctx context.Context, key string, payload []byte, ttl time.Duration, tags ...string) bool {
	if ttl <= 0 {
		return false
	}
	now := time.Now().UTC()
	stored := false

	if t.store != nil {
		raw, err := json.Marshal(Entry{Payload: payload, StoredAt: now, ExpiresAt: now.Add(ttl)})
		if err != nil {
			t.logger.Warn("entry marshal failed", slog.String("key", key), slog.Any("error", err))
		} else {
			start := time.Now()
			if err := t.store.Set(ctx, key, raw, ttl); err != nil {
				t.observe(metrics.CacheTierL2, "set", metrics.CacheError, start)
				t.logger.Warn("remote set failed", slog.String("key", key), slog.Any("error", err))
			} else {
				t.observe(metrics.CacheTierL2, "set", metrics.CacheStored, start)
				stored = true
				for _, tag := range tags {
					if tag == "" {
						continue
					}
					if err := t.store.AddToSet(ctx, tagKeyPrefix+tag, []string{key}, ttl+t.tagExt); err != nil {
						t.logger.Warn("tag index update failed", slog.String("tag", tag), slog.Any("error", err))
					}
				}
			}
		}
	}

	if t.l1 != nil && ttl < t.admit {
		evicted := t.l1.Set(key, payload, ttl)
		t.metrics.ObserveEviction(evicted)
		stored = true
	}
	return stored
}

// Delete removes key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) {
	if t.l1 != nil {
		t.l1.Delete(key)
	}
	if t.store != nil {
		if _, err := t.store.Delete(ctx, key); err != nil {
			t.logger.Warn("remote delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// MultiGet resolves keys through L1 individually and batches the remaining
// misses into a single remote call. The result maps each found key to its
// payload; absent keys are simply missing from the map.
func (t *Tiered) MultiGet(ctx context.Context, keys []string) map[string][]byte {
	found := make(map[string][]byte, len(keys))
	var remoteKeys []string
	for _, key := range keys {
		if t.l1 != nil {
			if payload, ok := t.l1.Get(key); ok {
				found[key] = payload
				continue
			}
		}
		remoteKeys = append(remoteKeys, key)
	}
	if t.store == nil || len(remoteKeys) == 0 {
		return found
	}

	start := time.Now()
	raw, err := t.store.MultiGet(ctx, remoteKeys)
	if err != nil {
		t.observe(metrics.CacheTierL2, "mget", metrics.CacheError, start)
		t.logger.Warn("remote mget failed, treating as misses", slog.Int("keys", len(remoteKeys)), slog.Any("error", err))
		return found
	}
	t.observe(metrics.CacheTierL2, "mget", metrics.CacheHit, start)

	now := time.Now()
	for key, payload := range raw {
		entry, decodeErr := decodeEntry(payload)
		if decodeErr != nil {
			t.logger.Warn("corrupted remote payload removed", slog.String("key", key), slog.Any("error", decodeErr))
			if _, err := t.store.Delete(ctx, key); err != nil {
				t.logger.Debug("cleanup of corrupted payload failed", slog.String("key", key), slog.Any("error", err))
			}
			continue
		}
		if entry.Expired(now) {
			continue
		}
		found[key] = entry.Payload
		if t.l1 != nil {
			if remaining := entry.Remaining(now); remaining > 0 && remaining < t.promote {
				evicted := t.l1.Set(key, entry.Payload, remaining)
				t.metrics.ObserveEviction(evicted)
			}
		}
	}
	return found
}

// InvalidateByTags removes every key indexed under the given tags from L2,
// deletes the tag indexes, and clears L1 wholesale. Per-tag precision in L1
// is intentionally not attempted. Returns the number of data keys removed.
func (t *Tiered) InvalidateByTags(ctx context.Context, tags ...string) int {
	removed := 0
	if t.store != nil {
		for _, tag := range tags {
			if tag == "" {
				continue
			}
			tagKey := tagKeyPrefix + tag
			members, err := t.store.SetMembers(ctx, tagKey)
			if err != nil {
				t.logger.Warn("tag index read failed", slog.String("tag", tag), slog.Any("error", err))
				continue
			}
			if len(members) > 0 {
				n, err := t.store.Delete(ctx, members...)
				if err != nil {
					t.logger.Warn("tagged key delete failed", slog.String("tag", tag), slog.Any("error", err))
				} else {
					removed += int(n)
				}
			}
			if _, err := t.store.Delete(ctx, tagKey); err != nil {
				t.logger.Warn("tag index delete failed", slog.String("tag", tag), slog.Any("error", err))
			}
		}
	}
	if t.l1 != nil {
		t.l1.Clear()
	}
	t.metrics.ObserveTagInvalidation(removed)
	return removed
}

// Flush removes every remote key matching the namespace prefix and clears L1.
func (t *Tiered) Flush(ctx context.Context, prefix string) int {
	removed := 0
	if t.store != nil && prefix != "" {
		keys, err := t.store.ScanKeys(ctx, prefix+"*")
		if err != nil {
			t.logger.Warn("namespace scan failed", slog.String("prefix", prefix), slog.Any("error", err))
		} else if len(keys) > 0 {
			n, err := t.store.Delete(ctx, keys...)
			if err != nil {
				t.logger.Warn("namespace flush failed", slog.String("prefix", prefix), slog.Any("error", err))
			} else {
				removed = int(n)
			}
		}
	}
	if t.l1 != nil {
		t.l1.Clear()
	}
	return removed
}

// Close releases the remote client.
func (t *Tiered) Close(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	return t.store.Close(ctx)
}

func (t *Tiered) observe(tier metrics.CacheTier, op string, result metrics.CacheOutcome, start time.Time) {
	t.metrics.ObserveCache(tier, op, result, time.Since(start))
}

func decodeEntry(raw []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
