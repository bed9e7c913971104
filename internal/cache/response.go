package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// keyPrefix namespaces all response-cache keys so the store can be cleared
// en masse without touching other tenants of the same Redis.
const keyPrefix = "vllm_cache:"

// Entry is one cached full completion.
type Entry struct {
	Prompt      string  `json:"prompt"`
	Response    string  `json:"response"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`

	// RequestID of the inference that populated the entry.
	RequestID string `json:"original_request_id"`

	CachedAt time.Time `json:"cached_at"`
}

// Stats describes the current response-cache population.
type Stats struct {
	Entries int           `json:"total_cached_items"`
	TTL     time.Duration `json:"cache_ttl"`
}

// ResponseCache maps a request fingerprint to a previously completed
// inference. All failures degrade to a miss on lookup and a no-op on store;
// callers never receive an error from the hot path.
type ResponseCache struct {
	kv  Cache
	ttl time.Duration
	log *slog.Logger
}

// NewResponseCache wraps kv with fingerprinting and TTL policy.
// A nil logger falls back to slog.Default(); ttl ≤ 0 means one hour.
func NewResponseCache(kv Cache, ttl time.Duration, log *slog.Logger) *ResponseCache {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{kv: kv, ttl: ttl, log: log}
}

// Fingerprint returns the deterministic cache key for the four request fields
// that define an inference. The fields are serialized in a fixed order so the
// same request always hashes identically; temperature is rendered with two
// decimals to avoid float formatting drift.
func Fingerprint(prompt, model string, maxTokens int, temperature float64) string {
	data, _ := json.Marshal(struct {
		P  string `json:"p"`
		M  string `json:"m"`
		MT int    `json:"mt"`
		T  string `json:"t"`
	}{prompt, model, maxTokens, fmt.Sprintf("%.2f", temperature)})

	h := sha256.Sum256(data)
	return keyPrefix + hex.EncodeToString(h[:])
}

// Lookup returns the cached entry for fingerprint, or (nil, false) on a miss.
// Backend and decode errors are logged and reported as misses.
func (c *ResponseCache) Lookup(ctx context.Context, fingerprint string) (*Entry, bool) {
	if c == nil || c.kv == nil {
		return nil, false
	}

	raw, ok := c.kv.Get(ctx, fingerprint)
	if !ok {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.WarnContext(ctx, "cache_decode_error",
			slog.String("key", fingerprint),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	return &e, true
}

// Store writes the full assembled response under fingerprint with the cache
// TTL. Empty responses are never stored. Errors are swallowed — a failed
// store only costs a future cache miss.
func (c *ResponseCache) Store(ctx context.Context, fingerprint string, e Entry) {
	if c == nil || c.kv == nil || e.Response == "" {
		return
	}

	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(e)
	if err != nil {
		c.log.WarnContext(ctx, "cache_encode_error",
			slog.String("key", fingerprint),
			slog.String("error", err.Error()),
		)
		return
	}

	_ = c.kv.Set(ctx, fingerprint, raw, c.ttl)
}

// Stats counts the response-cache keys. Returns an error when the backend
// cannot enumerate keys (e.g. Redis down).
func (c *ResponseCache) Stats(ctx context.Context) (Stats, error) {
	sc, ok := c.kv.(Scanner)
	if !ok {
		return Stats{}, fmt.Errorf("cache: backend does not support key scans")
	}
	keys, err := sc.Scan(ctx, keyPrefix)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: len(keys), TTL: c.ttl}, nil
}

// Clear removes every response-cache key. Other keys in the same store are
// untouched.
func (c *ResponseCache) Clear(ctx context.Context) (int, error) {
	sc, ok := c.kv.(Scanner)
	if !ok {
		return 0, fmt.Errorf("cache: backend does not support key scans")
	}
	keys, err := sc.Scan(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.kv.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
