// Package cache provides a domain-namespaced result cache backed by Redis,
// with an in-process fallback and Postgres-tracked metadata that powers
// cross-domain suggestions.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// keyPrefix namespaces every cache key.
const keyPrefix = "trellis"

// backend is the raw byte store behind the cache.
type backend interface {
	name() string
	get(ctx context.Context, key string) ([]byte, bool, error)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	delete(ctx context.Context, key string) error
	deletePrefix(ctx context.Context, prefix string) (int, error)
}

// MetaStore tracks per-key metadata for cross-domain relevance queries.
// Metadata writes are best effort; the cache keeps working without them.
type MetaStore interface {
	Upsert(ctx context.Context, cacheKey, domain string, relevance []string, expiresAt time.Time) error
	Touch(ctx context.Context, cacheKey string) error
	Relevant(ctx context.Context, domain string) ([]Entry, error)
	Delete(ctx context.Context, cacheKey string) error
	DeleteDomain(ctx context.Context, domain string) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	Backend string  `json:"backend"`
}

// CrossDomainSuggestion is a cached value from another domain judged
// relevant to the current one.
type CrossDomainSuggestion struct {
	Domain         string  `json:"domain"`
	Key            string  `json:"key"`
	Value          any     `json:"value"`
	AccessCount    int     `json:"access_count"`
	RelevanceScore float64 `json:"relevance_score"`
}

// OpMetrics counts cache operations by outcome.
type OpMetrics interface {
	IncCacheOperation(operation, outcome string)
}

// Cache is safe for concurrent use.
type Cache struct {
	backend backend
	meta    MetaStore
	metrics OpMetrics

	mu      sync.Mutex
	hits    int64
	misses  int64
	sets    int64
	deletes int64
	errs    int64

	now func() time.Time
}

// New connects to Redis at the given URL. When the connection cannot be
// established the cache falls back to an in-process map for the life of
// the process.
func New(redisURL string, meta MetaStore) *Cache {
	c := &Cache{meta: meta, now: time.Now}

	rb, err := newRedisBackend(redisURL)
	if err != nil {
		slog.Warn("redis unavailable, using in-process cache", "error", err)
		c.backend = newLocalBackend()
		return c
	}
	c.backend = rb
	return c
}

// NewLocal builds a cache on the in-process backend only. Used in tests
// and environments without Redis.
func NewLocal(meta MetaStore) *Cache {
	return &Cache{backend: newLocalBackend(), meta: meta, now: time.Now}
}

// SetMetrics attaches an operation counter. Call before serving traffic.
func (c *Cache) SetMetrics(m OpMetrics) {
	c.metrics = m
}

func (c *Cache) op(operation, outcome string) {
	if c.metrics != nil {
		c.metrics.IncCacheOperation(operation, outcome)
	}
}

// Key returns the namespaced backend key for a domain and logical key.
func Key(domain, key string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, domain, key)
}

// Get loads the value stored under (domain, key) into dest. It reports
// whether the key was found. Backend failures count as misses.
func (c *Cache) Get(ctx context.Context, domain, key string, dest any) bool {
	fullKey := Key(domain, key)

	raw, found, err := c.backend.get(ctx, fullKey)
	if err != nil {
		slog.Warn("cache get failed", "key", fullKey, "error", err)
		c.count(func() { c.errs++; c.misses++ })
		c.op("get", "error")
		return false
	}
	if !found {
		c.count(func() { c.misses++ })
		c.op("get", "miss")
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		slog.Warn("cache value undecodable", "key", fullKey, "error", err)
		c.count(func() { c.errs++; c.misses++ })
		c.op("get", "error")
		return false
	}

	c.count(func() { c.hits++ })
	c.op("get", "hit")
	if c.meta != nil {
		if err := c.meta.Touch(ctx, fullKey); err != nil {
			slog.Warn("cache metadata touch failed", "key", fullKey, "error", err)
		}
	}
	return true
}

// Set stores value under (domain, key) with the given TTL. The relevance
// list names the domains for which this entry may surface as a
// cross-domain suggestion.
func (c *Cache) Set(ctx context.Context, domain, key string, value any, ttl time.Duration, relevance []string) error {
	fullKey := Key(domain, key)

	raw, err := json.Marshal(value)
	if err != nil {
		c.count(func() { c.errs++ })
		c.op("set", "error")
		return fmt.Errorf("encoding cache value: %w", err)
	}
	if err := c.backend.set(ctx, fullKey, raw, ttl); err != nil {
		c.count(func() { c.errs++ })
		c.op("set", "error")
		return fmt.Errorf("storing cache value: %w", err)
	}
	c.count(func() { c.sets++ })
	c.op("set", "ok")

	if c.meta != nil {
		if err := c.meta.Upsert(ctx, fullKey, domain, relevance, c.now().UTC().Add(ttl)); err != nil {
			slog.Warn("cache metadata upsert failed", "key", fullKey, "error", err)
		}
	}
	return nil
}

// Delete removes the value stored under (domain, key).
func (c *Cache) Delete(ctx context.Context, domain, key string) error {
	fullKey := Key(domain, key)

	if err := c.backend.delete(ctx, fullKey); err != nil {
		c.count(func() { c.errs++ })
		c.op("delete", "error")
		return fmt.Errorf("deleting cache value: %w", err)
	}
	c.count(func() { c.deletes++ })
	c.op("delete", "ok")

	if c.meta != nil {
		if err := c.meta.Delete(ctx, fullKey); err != nil {
			slog.Warn("cache metadata delete failed", "key", fullKey, "error", err)
		}
	}
	return nil
}

// InvalidateDomain removes every entry in a domain and returns how many
// backend keys were dropped.
func (c *Cache) InvalidateDomain(ctx context.Context, domain string) (int, error) {
	prefix := fmt.Sprintf("%s:%s:", keyPrefix, domain)

	removed, err := c.backend.deletePrefix(ctx, prefix)
	if err != nil {
		c.count(func() { c.errs++ })
		return removed, fmt.Errorf("invalidating cache domain: %w", err)
	}
	c.count(func() { c.deletes += int64(removed) })

	if c.meta != nil {
		if _, err := c.meta.DeleteDomain(ctx, domain); err != nil {
			slog.Warn("cache metadata domain delete failed", "domain", domain, "error", err)
		}
	}
	return removed, nil
}

// GetOrSet returns the cached value for (domain, key), or runs produce,
// caches its result, and returns it. Errors from produce propagate
// unchanged; cache failures after production do not.
func (c *Cache) GetOrSet(ctx context.Context, domain, key string, ttl time.Duration, relevance []string, produce func(ctx context.Context) (any, error)) (any, error) {
	var cached any
	if c.Get(ctx, domain, key, &cached) {
		return cached, nil
	}

	value, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, domain, key, value, ttl, relevance); err != nil {
		slog.Warn("caching produced value failed", "domain", domain, "key", key, "error", err)
	}
	return value, nil
}

// CrossDomainSuggestions returns up to five cached values from other
// domains judged relevant to currentDomain, highest relevance first.
// Without a metadata store it returns nothing.
func (c *Cache) CrossDomainSuggestions(ctx context.Context, currentDomain string) ([]CrossDomainSuggestion, error) {
	if c.meta == nil {
		return nil, nil
	}

	entries, err := c.meta.Relevant(ctx, currentDomain)
	if err != nil {
		return nil, fmt.Errorf("loading relevant cache entries: %w", err)
	}

	now := c.now().UTC()
	var suggestions []CrossDomainSuggestion
	for _, e := range entries {
		raw, found, err := c.backend.get(ctx, e.CacheKey)
		if err != nil || !found {
			continue
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		suggestions = append(suggestions, CrossDomainSuggestion{
			Domain:         e.Domain,
			Key:            e.CacheKey,
			Value:          value,
			AccessCount:    e.AccessCount,
			RelevanceScore: relevanceScore(e, now),
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].RelevanceScore > suggestions[j].RelevanceScore
	})
	if len(suggestions) > 5 {
		suggestions = suggestions[:5]
	}
	return suggestions, nil
}

// relevanceScore combines access frequency and recency on top of a flat
// base. Capped at 1.0 by construction (0.5 + 0.3 + 0.2).
func relevanceScore(e Entry, now time.Time) float64 {
	score := 0.5

	access := float64(e.AccessCount) / 10.0
	if access > 0.3 {
		access = 0.3
	}
	score += access

	ageHours := now.Sub(e.CreatedAt).Hours()
	recency := 0.2 - (ageHours/24.0)*0.2
	if recency > 0 {
		score += recency
	}
	return score
}

// CleanupExpired drops expired metadata rows and, on the in-process
// backend, expired values. Redis expires its own keys.
func (c *Cache) CleanupExpired(ctx context.Context) (int64, error) {
	if lb, ok := c.backend.(*localBackend); ok {
		lb.sweep()
	}
	if c.meta == nil {
		return 0, nil
	}
	removed, err := c.meta.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired cache entries: %w", err)
	}
	return removed, nil
}

// Stats reports cumulative counters and the active backend.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Sets:    c.sets,
		Deletes: c.deletes,
		Errors:  c.errs,
		Backend: c.backend.name(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) count(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}
