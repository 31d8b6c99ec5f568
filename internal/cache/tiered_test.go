package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func newTestTiered(t *testing.T, opts Options) (*Tiered, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(server.Close)

	store, err := NewValkey(ValkeyConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new valkey: %v", err)
	}
	opts.Store = store
	tiered := NewTiered(opts)
	t.Cleanup(func() {
		if err := tiered.Close(context.Background()); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return tiered, server
}

func TestTieredSetGetThroughRemote(t *testing.T) {
	// Admit threshold of 1ns keeps every write out of L1 so the read path is
	// forced through the remote tier.
	tiered, server := newTestTiered(t, Options{
		L1:             NewMemory(1 << 20),
		AdmitThreshold: time.Nanosecond,
	})
	ctx := context.Background()

	if ok := tiered.Set(ctx, "profile:42", []byte(`{"id":"42"}`), 500*time.Millisecond); !ok {
		t.Fatalf("expected set to succeed")
	}
	payload, ok := tiered.Get(ctx, "profile:42")
	if !ok {
		t.Fatalf("expected remote hit")
	}
	if string(payload) != `{"id":"42"}` {
		t.Fatalf("unexpected payload: %s", payload)
	}

	server.FastForward(time.Second)
	if _, ok := tiered.Get(ctx, "profile:42"); ok {
		t.Fatalf("expected miss after ttl elapsed")
	}
}

func TestTieredPromotesShortLivedRemoteHits(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, _ := newTestTiered(t, Options{
		L1:                 l1,
		AdmitThreshold:     time.Nanosecond,
		PromotionThreshold: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "profile:7", []byte(`{"id":"7"}`), time.Minute)
	if l1.Len() != 0 {
		t.Fatalf("expected write to stay out of l1")
	}

	if _, ok := tiered.Get(ctx, "profile:7"); !ok {
		t.Fatalf("expected remote hit")
	}
	if l1.Len() != 1 {
		t.Fatalf("expected remote hit to be promoted into l1")
	}
	// The promoted copy now serves reads locally.
	if _, ok := l1.Get("profile:7"); !ok {
		t.Fatalf("expected promoted entry in l1")
	}
}

func TestTieredSkipsPromotionAboveThreshold(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, _ := newTestTiered(t, Options{
		L1:                 l1,
		AdmitThreshold:     time.Nanosecond,
		PromotionThreshold: time.Millisecond,
	})
	ctx := context.Background()

	tiered.Set(ctx, "profile:9", []byte(`{"id":"9"}`), time.Hour)
	if _, ok := tiered.Get(ctx, "profile:9"); !ok {
		t.Fatalf("expected remote hit")
	}
	if l1.Len() != 0 {
		t.Fatalf("long-lived entries must not be promoted into l1")
	}
}

func TestTieredAdmitsShortLivedWrites(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, server := newTestTiered(t, Options{
		L1:             l1,
		AdmitThreshold: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "resp:1", []byte(`{"page":1}`), time.Minute)
	if l1.Len() != 1 {
		t.Fatalf("expected short-ttl write in l1")
	}

	// An L1 hit never touches the remote tier; prove it by wiping the server.
	server.FlushAll()
	if _, ok := tiered.Get(ctx, "resp:1"); !ok {
		t.Fatalf("expected l1 hit to survive remote flush")
	}
}

func TestTieredTagInvalidation(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, _ := newTestTiered(t, Options{
		L1:             l1,
		AdmitThreshold: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "match:1:2", []byte(`{"s":80}`), time.Minute, "user:1", "user:2")
	tiered.Set(ctx, "match:1:3", []byte(`{"s":70}`), time.Minute, "user:1", "user:3")
	tiered.Set(ctx, "profile:9", []byte(`{"id":"9"}`), time.Minute)

	removed := tiered.InvalidateByTags(ctx, "user:1")
	if removed != 2 {
		t.Fatalf("expected 2 keys removed, got %d", removed)
	}
	if _, ok := tiered.Get(ctx, "match:1:2"); ok {
		t.Fatalf("expected tagged key removed")
	}
	if _, ok := tiered.Get(ctx, "match:1:3"); ok {
		t.Fatalf("expected tagged key removed")
	}
	// L1 is cleared wholesale, but the untagged key survives in L2.
	if l1.Len() != 0 {
		t.Fatalf("expected l1 cleared, got %d entries", l1.Len())
	}
	if _, ok := tiered.Get(ctx, "profile:9"); !ok {
		t.Fatalf("expected untagged key to survive in remote tier")
	}
}

func TestTieredTagIndexOutlivesData(t *testing.T) {
	tiered, server := newTestTiered(t, Options{
		L1:              NewMemory(1 << 20),
		AdmitThreshold:  time.Nanosecond,
		TagTTLExtension: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "match:5:6", []byte(`{"s":60}`), 500*time.Millisecond, "user:5")
	server.FastForward(time.Second)

	// Data is gone but the index must still exist so invalidation succeeds.
	if !server.Exists("tag:user:5") {
		t.Fatalf("expected tag index to outlive its data")
	}
	if removed := tiered.InvalidateByTags(ctx, "user:5"); removed != 0 {
		t.Fatalf("expected no live keys removed, got %d", removed)
	}
	if server.Exists("tag:user:5") {
		t.Fatalf("expected tag index removed after invalidation")
	}
}

func TestTieredMultiGetBatchesRemoteMisses(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, _ := newTestTiered(t, Options{
		L1:                 l1,
		AdmitThreshold:     time.Nanosecond,
		PromotionThreshold: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "pair:a", []byte(`{"v":1}`), time.Minute)
	tiered.Set(ctx, "pair:b", []byte(`{"v":2}`), time.Minute)
	l1.Set("pair:c", []byte(`{"v":3}`), time.Minute)

	found := tiered.MultiGet(ctx, []string{"pair:a", "pair:b", "pair:c", "pair:missing"})
	if len(found) != 3 {
		t.Fatalf("expected 3 hits, got %d", len(found))
	}
	if string(found["pair:c"]) != `{"v":3}` {
		t.Fatalf("expected l1 value, got %s", found["pair:c"])
	}
	if _, ok := found["pair:missing"]; ok {
		t.Fatalf("missing key must not appear in result")
	}
}

func TestTieredDeletesCorruptedRemotePayload(t *testing.T) {
	tiered, server := newTestTiered(t, Options{
		L1:             NewMemory(1 << 20),
		AdmitThreshold: time.Nanosecond,
	})
	ctx := context.Background()

	require := server.Set("broken", "not-json{")
	if require != nil {
		t.Fatalf("seed: %v", require)
	}
	if _, ok := tiered.Get(ctx, "broken"); ok {
		t.Fatalf("corrupted payload must read as a miss")
	}
	if server.Exists("broken") {
		t.Fatalf("corrupted payload must be deleted opportunistically")
	}
}

func TestTieredSwallowsRemoteFailure(t *testing.T) {
	tiered, server := newTestTiered(t, Options{
		L1:             NewMemory(1 << 20),
		AdmitThreshold: time.Hour,
	})
	ctx := context.Background()

	server.Close()

	// The remote tier is down. L2 writes fail silently, L1 still serves.
	if ok := tiered.Set(ctx, "k", []byte(`{"v":1}`), time.Minute); !ok {
		t.Fatalf("expected l1 write to succeed while remote is down")
	}
	if _, ok := tiered.Get(ctx, "k"); !ok {
		t.Fatalf("expected l1 hit while remote is down")
	}
	if _, ok := tiered.Get(ctx, "only-remote"); ok {
		t.Fatalf("expected miss for unknown key while remote is down")
	}
}

func TestTieredFlushClearsNamespace(t *testing.T) {
	l1 := NewMemory(1 << 20)
	tiered, _ := newTestTiered(t, Options{
		L1:             l1,
		AdmitThreshold: time.Hour,
	})
	ctx := context.Background()

	tiered.Set(ctx, "resp:1", []byte(`{"p":1}`), time.Minute)
	tiered.Set(ctx, "resp:2", []byte(`{"p":2}`), time.Minute)
	tiered.Set(ctx, "profile:1", []byte(`{"id":"1"}`), time.Minute)

	if removed := tiered.Flush(ctx, "resp:"); removed != 2 {
		t.Fatalf("expected 2 keys flushed, got %d", removed)
	}
	if _, ok := tiered.Get(ctx, "profile:1"); !ok {
		t.Fatalf("expected other namespace to survive")
	}
}
