package cache

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newResponseCache(t *testing.T) *ResponseCache {
	t.Helper()
	mem := NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	return NewResponseCache(mem, time.Hour, nil)
}

// TestFingerprint_Deterministic verifies that identical request parameters
// always produce the same key.
func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("the prompt", "llama-3", 128, 0.7)
	b := Fingerprint("the prompt", "llama-3", 128, 0.7)
	if a != b {
		t.Fatalf("same parameters must hash identically: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, keyPrefix) {
		t.Errorf("fingerprint %q should carry the %q prefix", a, keyPrefix)
	}
}

// TestFingerprint_SensitiveToEachField verifies every parameter participates
// in the key.
func TestFingerprint_SensitiveToEachField(t *testing.T) {
	base := Fingerprint("p", "m", 10, 0.5)

	variants := map[string]string{
		"prompt":      Fingerprint("q", "m", 10, 0.5),
		"model":       Fingerprint("p", "n", 10, 0.5),
		"max_tokens":  Fingerprint("p", "m", 11, 0.5),
		"temperature": Fingerprint("p", "m", 10, 0.6),
	}
	for field, fp := range variants {
		if fp == base {
			t.Errorf("changing %s did not change the fingerprint", field)
		}
	}
}

// TestFingerprint_TemperatureRounding verifies the two-decimal rendering:
// values equal at two decimals share a key.
func TestFingerprint_TemperatureRounding(t *testing.T) {
	a := Fingerprint("p", "m", 10, 0.70)
	b := Fingerprint("p", "m", 10, 0.701)
	if a != b {
		t.Errorf("temperatures equal at two decimals should share a key")
	}

	c := Fingerprint("p", "m", 10, 0.71)
	if a == c {
		t.Errorf("temperatures differing at two decimals must not share a key")
	}
}

func TestResponseCache_StoreAndLookup(t *testing.T) {
	rc := newResponseCache(t)
	ctx := context.Background()

	fp := Fingerprint("p", "m", 10, 0.5)
	rc.Store(ctx, fp, Entry{
		Prompt: "p", Response: "the answer", Model: "m",
		MaxTokens: 10, Temperature: 0.5, RequestID: "req-1",
	})

	entry, ok := rc.Lookup(ctx, fp)
	if !ok {
		t.Fatal("expected hit after Store")
	}
	if entry.Response != "the answer" || entry.RequestID != "req-1" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.CachedAt.IsZero() {
		t.Error("CachedAt should be stamped on store")
	}
}

func TestResponseCache_LookupMiss(t *testing.T) {
	rc := newResponseCache(t)

	if _, ok := rc.Lookup(context.Background(), Fingerprint("p", "m", 10, 0)); ok {
		t.Fatal("expected miss on an empty cache")
	}
}

func TestResponseCache_EmptyResponseNotStored(t *testing.T) {
	rc := newResponseCache(t)
	ctx := context.Background()

	fp := Fingerprint("p", "m", 10, 0)
	rc.Store(ctx, fp, Entry{Prompt: "p", Model: "m"})

	if _, ok := rc.Lookup(ctx, fp); ok {
		t.Fatal("empty responses must never be cached")
	}
}

func TestResponseCache_NilSafe(t *testing.T) {
	var rc *ResponseCache

	// Both operations must be no-ops on a nil cache.
	rc.Store(context.Background(), "k", Entry{Response: "x"})
	if _, ok := rc.Lookup(context.Background(), "k"); ok {
		t.Fatal("nil cache must always miss")
	}
}

func TestResponseCache_StatsAndClear(t *testing.T) {
	rc := newResponseCache(t)
	ctx := context.Background()

	for _, p := range []string{"p1", "p2", "p3"} {
		rc.Store(ctx, Fingerprint(p, "m", 10, 0), Entry{Prompt: p, Response: "r", Model: "m"})
	}

	stats, err := rc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Entries != 3 {
		t.Fatalf("expected 3 entries, got %d", stats.Entries)
	}
	if stats.TTL != time.Hour {
		t.Errorf("TTL = %v, want 1h", stats.TTL)
	}

	removed, err := rc.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	stats, err = rc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats after Clear: %v", err)
	}
	if stats.Entries != 0 {
		t.Fatalf("expected empty cache after Clear, got %d entries", stats.Entries)
	}
}

func TestResponseCache_CorruptEntryIsMiss(t *testing.T) {
	mem := NewMemoryCache(context.Background())
	t.Cleanup(mem.Close)
	rc := NewResponseCache(mem, time.Hour, nil)

	fp := Fingerprint("p", "m", 10, 0)
	if err := mem.Set(context.Background(), fp, []byte("{corrupt"), time.Hour); err != nil {
		t.Fatal(err)
	}

	if _, ok := rc.Lookup(context.Background(), fp); ok {
		t.Fatal("corrupt entries must degrade to a miss")
	}
}
