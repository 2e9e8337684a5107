// Package cache implements the Response Cache (C4, spec §3.4/§4.4): a
// fingerprinted, TTL-bounded cache for LLM completions with single-flight
// coalescing of concurrent identical calls. The fingerprinting technique
// reuses the teacher's SHA-256 idempotency-key idiom from
// graph/checkpoint.go's computeIdempotencyKey; coalescing uses
// golang.org/x/sync/singleflight, already an indirect dependency of the
// teacher's go.mod.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Fingerprint is a cache key computed over the request shape, per spec
// §4.4: model, system prompt, user prompt, tool schema version, a
// truncated-context hash, and a temperature bucket (not the raw
// temperature, so 0.31 and 0.33 share a cache line).
type Fingerprint string

// Request captures the fields that participate in fingerprinting.
type Request struct {
	ModelID           string
	System            string
	Prompt            string
	ToolSchemaVersion string
	ContextHash       string
	Temperature       float64
}

// ComputeFingerprint hashes a Request the same way the teacher hashes
// checkpoint idempotency keys: write each field's bytes into a running
// SHA-256, then hex-encode with a format prefix.
func ComputeFingerprint(r Request) Fingerprint {
	h := sha256.New()
	h.Write([]byte(r.ModelID))
	h.Write([]byte(r.System))
	h.Write([]byte(r.Prompt))
	h.Write([]byte(r.ToolSchemaVersion))
	h.Write([]byte(r.ContextHash))
	fmt.Fprintf(h, "%d", temperatureBucket(r.Temperature))
	return Fingerprint("sha256:" + hex.EncodeToString(h.Sum(nil)))
}

// temperatureBucket rounds temperature to the nearest 0.1 so near-identical
// sampling settings land on the same cache entry.
func temperatureBucket(t float64) int {
	return int(t*10 + 0.5)
}

// Entry is a cached response plus the metadata needed to decide whether it
// is still eligible to be served and whether it was itself cacheable.
type Entry struct {
	Value     any
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Eligibility describes why a response must not be cached, per spec §4.4's
// no-cache rules.
type Eligibility struct {
	FinishReason string
	HasToolCalls bool
	Temperature  float64
}

// Cacheable reports whether a response is eligible for storage: the call
// must have completed normally (finish_reason == "stop"), made no tool
// calls, and used temperature <= cutoff.
func Cacheable(e Eligibility, temperatureCutoff float64) bool {
	if e.FinishReason != "stop" {
		return false
	}
	if e.HasToolCalls {
		return false
	}
	return e.Temperature <= temperatureCutoff
}

// Cache is a TTL-bounded, fingerprint-keyed response cache with
// single-flight coalescing of concurrent misses for the same fingerprint.
type Cache struct {
	ttl   time.Duration
	mu    sync.RWMutex
	store map[Fingerprint]Entry
	group singleflight.Group
	now   func() time.Time
}

// New constructs a Cache with the given default TTL.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:   ttl,
		store: make(map[Fingerprint]Entry),
		now:   time.Now,
	}
}

// Get returns a cached value and whether it was present and unexpired.
func (c *Cache) Get(fp Fingerprint) (any, bool) {
	c.mu.RLock()
	entry, ok := c.store[fp]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.store, fp)
		c.mu.Unlock()
		return nil, false
	}
	return entry.Value, true
}

// Put stores a value against fp with the cache's default TTL.
func (c *Cache) Put(fp Fingerprint, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.store[fp] = Entry{Value: value, StoredAt: now, ExpiresAt: now.Add(c.ttl)}
}

// GetOrLoad returns the cached value for fp if present, otherwise calls
// load exactly once across all concurrent callers sharing fp (via
// singleflight), caching the result only if eligible decides it should be
// kept.
func (c *Cache) GetOrLoad(ctx context.Context, fp Fingerprint, load func(context.Context) (any, Eligibility, error), temperatureCutoff float64) (any, error) {
	if v, ok := c.Get(fp); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(string(fp), func() (interface{}, error) {
		// Re-check under the singleflight lock: another goroutine may
		// have populated the cache while we queued for the group.
		if v, ok := c.Get(fp); ok {
			return v, nil
		}
		val, elig, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if Cacheable(elig, temperatureCutoff) {
			c.Put(fp, val)
		}
		return val, nil
	})
	return v, err
}

// Purge removes all entries whose TTL has elapsed, returning the count
// removed. Intended to be called periodically rather than on every Get.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for fp, entry := range c.store {
		if now.After(entry.ExpiresAt) {
			delete(c.store, fp)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently stored, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
