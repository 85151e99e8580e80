package knowledge

import "time"

// Record is a single knowledge item tagged with a domain and keywords.
type Record struct {
	ID             string         `json:"id"`
	Domain         string         `json:"domain"`
	Title          string         `json:"title"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
	Keywords       []string       `json:"keywords"`
	UsageFrequency int            `json:"usage_frequency"`
	LastAccessed   time.Time      `json:"last_accessed"`
	CreatedAt      time.Time      `json:"created_at"`
}

// PatternRecord is a persisted cross-domain pattern detection.
type PatternRecord struct {
	ID              string         `json:"id"`
	PatternName     string         `json:"pattern_name"`
	PatternData     map[string]any `json:"pattern_data"`
	InvolvedDomains []string       `json:"involved_domains"`
	ConfidenceScore float64        `json:"confidence_score"`
	UsageCount      int            `json:"usage_count"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SearchQuery filters a knowledge search. Empty fields are unconstrained.
type SearchQuery struct {
	Domains  []string
	Keywords []string
	Limit    int
}
