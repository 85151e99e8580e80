package costtrack

import "time"

// UsageEvent represents a single metered API call. Events are append-only.
type UsageEvent struct {
	ID            string         `json:"id"`
	ServerName    string         `json:"server_name"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	Endpoint      string         `json:"endpoint"`
	InputTokens   int            `json:"input_tokens"`
	OutputTokens  int            `json:"output_tokens"`
	EstimatedCost float64        `json:"estimated_cost"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata"`
}

// PeriodTotals holds aggregate cost and request counts for one bucket.
type PeriodTotals struct {
	Cost     float64 `json:"cost"`
	Requests int64   `json:"requests"`
}

// UsageSummary aggregates usage events over a trailing window.
type UsageSummary struct {
	TotalCost       float64                 `json:"total_cost"`
	TotalRequests   int64                   `json:"total_requests"`
	DailyBreakdown  map[string]PeriodTotals `json:"daily_breakdown"`
	ServerBreakdown map[string]PeriodTotals `json:"server_breakdown"`
}

// Suggestion is a cost-optimization hint derived from usage patterns.
type Suggestion struct {
	Type           string `json:"type"`
	Priority       string `json:"priority"`
	Message        string `json:"message"`
	Recommendation string `json:"recommendation"`
}

// CostReport is a multi-server cost summary over a trailing window.
type CostReport struct {
	PeriodDays      int                      `json:"period_days"`
	GeneratedAt     time.Time                `json:"generated_at"`
	TotalSummary    *UsageSummary            `json:"total_summary"`
	ServerBreakdown map[string]*UsageSummary `json:"server_breakdown"`
	Suggestions     []Suggestion             `json:"optimization_opportunities"`
}
