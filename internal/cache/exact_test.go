package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestCache starts a miniredis server and returns an ExactCache backed by
// it plus the server handle for clock control.
func newTestCache(t *testing.T) (*ExactCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	c, err := NewExactCacheFromAddr(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewExactCacheFromAddr: %v", err)
	}

	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

// TestGetMiss verifies that Get returns (nil, false) when the key is absent.
func TestGetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	data, ok := c.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

// TestSetAndGetHit verifies that a value written with Set can be read back.
func TestSetAndGetHit(t *testing.T) {
	c, _ := newTestCache(t)

	key := "mock-key"
	want := []byte(`{"answer":42}`)

	if err := c.Set(context.Background(), key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}
}

// TestTTLIsSet verifies that the TTL is actually stored in Redis by advancing
// miniredis time past the TTL and confirming the key expires.
func TestTTLIsSet(t *testing.T) {
	c, mr := newTestCache(t)

	key := "ttl-key"
	ttl := 10 * time.Second

	if err := c.Set(context.Background(), key, []byte("payload"), ttl); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("key should exist before TTL expires")
	}

	mr.FastForward(ttl + time.Second)

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should have expired after TTL")
	}
}

// TestDelete verifies that Delete removes an existing key.
func TestDelete(t *testing.T) {
	c, _ := newTestCache(t)

	key := "delete-key"
	if err := c.Set(context.Background(), key, []byte("to-be-deleted"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := c.Delete(context.Background(), key); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, ok := c.Get(context.Background(), key); ok {
		t.Fatal("key should be gone after Delete")
	}
}

// TestScanPrefix verifies that Scan returns only keys under the prefix.
func TestScanPrefix(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for _, k := range []string{"vllm_cache:a", "vllm_cache:b", "other:x"} {
		if err := c.Set(ctx, k, []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	keys, err := c.Scan(ctx, "vllm_cache:")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	for _, k := range keys {
		if k != "vllm_cache:a" && k != "vllm_cache:b" {
			t.Errorf("unexpected key %q in scan result", k)
		}
	}
}

// TestGracefulDegradationGet verifies that Get returns (nil, false) when Redis
// is unreachable instead of panicking or returning an error to the caller.
func TestGracefulDegradationGet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewExactCacheFromAddr(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewExactCacheFromAddr: %v", err)
	}
	defer func() { _ = c.Close() }()

	// Take the server down.
	mr.Close()

	data, ok := c.Get(context.Background(), "any-key")
	if ok {
		t.Fatal("expected miss when Redis is down, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data when Redis is down, got %v", data)
	}
}

// TestGracefulDegradationSet verifies that Set returns nil (not an error) when
// Redis is unreachable so the stream path is not aborted.
func TestGracefulDegradationSet(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewExactCacheFromAddr(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("NewExactCacheFromAddr: %v", err)
	}
	defer func() { _ = c.Close() }()

	mr.Close()

	err = c.Set(context.Background(), "any-key", []byte("value"), time.Hour)
	if err != nil {
		t.Fatalf("Set must return nil on Redis error for graceful degradation, got: %v", err)
	}
}

// TestNewExactCacheUnreachable verifies that a dead address is rejected at
// construction time.
func TestNewExactCacheUnreachable(t *testing.T) {
	_, err := NewExactCacheFromAddr(context.Background(), "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error for unreachable Redis, got nil")
	}
}

// TestCacheImplementsInterfaces is a compile-time assertion that both
// backends satisfy Cache and Scanner.
func TestCacheImplementsInterfaces(t *testing.T) {
	var _ Cache = (*ExactCache)(nil)
	var _ Scanner = (*ExactCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
	var _ Scanner = (*MemoryCache)(nil)
}
