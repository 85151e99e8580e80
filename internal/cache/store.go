package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is cache metadata tracked in Postgres for cross-domain queries.
// The cached value itself lives in the cache backend, not here.
type Entry struct {
	CacheKey    string
	Domain      string
	AccessCount int
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists cache metadata in the temporal_cache table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a metadata store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert records or refreshes metadata for a cache key.
func (s *Store) Upsert(ctx context.Context, cacheKey, domain string, relevance []string, expiresAt time.Time) error {
	relevanceJSON, err := json.Marshal(relevance)
	if err != nil {
		return fmt.Errorf("marshaling cross-domain relevance: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO temporal_cache (cache_key, cache_value, domain, cross_domain_relevance, expires_at)
		VALUES ($1, '{}'::jsonb, $2, $3, $4)
		ON CONFLICT (cache_key) DO UPDATE
		SET cross_domain_relevance = EXCLUDED.cross_domain_relevance,
		    expires_at = EXCLUDED.expires_at
	`, cacheKey, domain, relevanceJSON, expiresAt)
	if err != nil {
		return fmt.Errorf("upserting cache metadata: %w", err)
	}
	return nil
}

// Touch increments the access count for a cache key.
func (s *Store) Touch(ctx context.Context, cacheKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE temporal_cache SET access_count = access_count + 1 WHERE cache_key = $1
	`, cacheKey)
	if err != nil {
		return fmt.Errorf("updating cache access count: %w", err)
	}
	return nil
}

// Relevant returns unexpired entries whose cross-domain relevance list
// contains the given domain, most accessed first.
func (s *Store) Relevant(ctx context.Context, domain string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cache_key, domain, access_count, created_at, expires_at
		FROM temporal_cache
		WHERE cross_domain_relevance ? $1 AND expires_at > now()
		ORDER BY access_count DESC
		LIMIT 10
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("querying relevant cache entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CacheKey, &e.Domain, &e.AccessCount, &e.CreatedAt, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes metadata for a single cache key.
func (s *Store) Delete(ctx context.Context, cacheKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM temporal_cache WHERE cache_key = $1`, cacheKey)
	if err != nil {
		return fmt.Errorf("deleting cache metadata: %w", err)
	}
	return nil
}

// DeleteDomain removes all metadata for a domain and returns the count.
func (s *Store) DeleteDomain(ctx context.Context, domain string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM temporal_cache WHERE domain = $1`, domain)
	if err != nil {
		return 0, fmt.Errorf("deleting cache metadata for domain: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes metadata for expired entries and returns the count.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM temporal_cache WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("deleting expired cache metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}
