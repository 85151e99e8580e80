package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for knowledge items and cross-domain
// patterns.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// StoreKnowledge inserts a knowledge item and returns its generated id.
func (s *Store) StoreKnowledge(ctx context.Context, domain, title, content string, metadata map[string]any, keywords []string) (string, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if keywords == nil {
		keywords = []string{}
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encoding knowledge metadata: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO knowledge_items (domain, title, content, metadata, keywords)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		domain, title, content, metaJSON, keywords,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting knowledge item: %w", err)
	}
	return id, nil
}

// SearchKnowledge returns items matching the query, ordered by usage
// frequency. Keywords match when the item shares at least one keyword.
func (s *Store) SearchKnowledge(ctx context.Context, q SearchQuery) ([]*Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var conditions []string
	var args []any

	if len(q.Domains) > 0 {
		args = append(args, q.Domains)
		conditions = append(conditions, fmt.Sprintf("domain = ANY($%d)", len(args)))
	}
	if len(q.Keywords) > 0 {
		args = append(args, q.Keywords)
		conditions = append(conditions, fmt.Sprintf("keywords && $%d", len(args)))
	}

	query := `SELECT id, domain, title, content, metadata, keywords, usage_frequency, last_accessed, created_at
		FROM knowledge_items`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY usage_frequency DESC, created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var metaJSON []byte
		if err := rows.Scan(
			&rec.ID, &rec.Domain, &rec.Title, &rec.Content,
			&metaJSON, &rec.Keywords, &rec.UsageFrequency, &rec.LastAccessed, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning knowledge row: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding knowledge metadata: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating knowledge rows: %w", err)
	}
	return records, nil
}

// TouchKnowledge increments an item's usage frequency and refreshes its
// last-accessed time.
func (s *Store) TouchKnowledge(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE knowledge_items
		 SET usage_frequency = usage_frequency + 1, last_accessed = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("touching knowledge item: %w", err)
	}
	return nil
}

// StorePattern persists a detected cross-domain pattern and returns its id.
func (s *Store) StorePattern(ctx context.Context, name string, data map[string]any, domains []string, confidence float64) (string, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding pattern data: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO cross_domain_patterns (pattern_name, pattern_data, involved_domains, confidence_score)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		name, dataJSON, domains, confidence,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("inserting pattern: %w", err)
	}
	return id, nil
}

// RelevantPatterns returns patterns involving at least one of the given
// domains with confidence at or above minConfidence, strongest first.
func (s *Store) RelevantPatterns(ctx context.Context, domains []string, minConfidence float64) ([]*PatternRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, pattern_name, pattern_data, involved_domains, confidence_score, usage_count, created_at
		 FROM cross_domain_patterns
		 WHERE confidence_score >= $1 AND involved_domains && $2
		 ORDER BY confidence_score DESC`,
		minConfidence, domains,
	)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*PatternRecord
	for rows.Next() {
		p := &PatternRecord{}
		var dataJSON []byte
		if err := rows.Scan(
			&p.ID, &p.PatternName, &dataJSON, &p.InvolvedDomains,
			&p.ConfidenceScore, &p.UsageCount, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning pattern row: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &p.PatternData); err != nil {
			return nil, fmt.Errorf("decoding pattern data: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pattern rows: %w", err)
	}
	return patterns, nil
}

// DeletePatternsOlderThan removes persisted patterns older than the given
// number of days and returns how many were removed.
func (s *Store) DeletePatternsOlderThan(ctx context.Context, days int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM cross_domain_patterns
		 WHERE created_at < now() - make_interval(days => $1)`,
		days,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old patterns: %w", err)
	}
	return tag.RowsAffected(), nil
}
