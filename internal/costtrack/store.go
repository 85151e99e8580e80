package costtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Insert appends a usage event.
func (s *Store) Insert(ctx context.Context, ev UsageEvent) error {
	metaJSON, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("encoding usage metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO api_usage_events
		 (server_name, provider, model, endpoint, input_tokens, output_tokens, estimated_cost, recorded_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ServerName, ev.Provider, ev.Model, ev.Endpoint,
		ev.InputTokens, ev.OutputTokens, ev.EstimatedCost, ev.Timestamp, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}

// Summary aggregates usage over the trailing number of days. An empty
// serverName aggregates across all servers.
func (s *Store) Summary(ctx context.Context, serverName string, days int) (*UsageSummary, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	query := `SELECT to_char(recorded_at, 'YYYY-MM-DD'), server_name,
		COALESCE(SUM(estimated_cost), 0), COUNT(*)
	FROM api_usage_events
	WHERE recorded_at >= $1`
	args := []any{since}

	if serverName != "" {
		args = append(args, serverName)
		query += fmt.Sprintf(" AND server_name = $%d", len(args))
	}
	query += " GROUP BY 1, 2"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer rows.Close()

	summary := &UsageSummary{
		DailyBreakdown:  make(map[string]PeriodTotals),
		ServerBreakdown: make(map[string]PeriodTotals),
	}
	for rows.Next() {
		var day, server string
		var costSum float64
		var requests int64
		if err := rows.Scan(&day, &server, &costSum, &requests); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}

		summary.TotalCost += costSum
		summary.TotalRequests += requests

		d := summary.DailyBreakdown[day]
		d.Cost += costSum
		d.Requests += requests
		summary.DailyBreakdown[day] = d

		sv := summary.ServerBreakdown[server]
		sv.Cost += costSum
		sv.Requests += requests
		summary.ServerBreakdown[server] = sv
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return summary, nil
}
