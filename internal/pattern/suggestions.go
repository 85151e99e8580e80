package pattern

import (
	"context"
	"fmt"
)

// Suggestion is a hand-authored, pattern-based hint for the current domain.
type Suggestion struct {
	Type           string   `json:"type"`
	Message        string   `json:"message"`
	RelatedDomains []string `json:"related_domains"`
	Confidence     float64  `json:"confidence"`
}

type suggestionKey struct {
	pattern string
	domain  string
}

// suggestionTable maps (pattern, current domain) to a static suggestion.
// This is deliberately an enumerated lookup, not inferred logic, so the
// behavior stays auditable. Pairs absent from the table yield nothing.
var suggestionTable = map[suggestionKey]Suggestion{
	{"financial_planning_event", "financial"}: {
		Type:           "cross_domain_insight",
		Message:        "Consider how this financial decision affects family plans and lifestyle goals",
		RelatedDomains: []string{"family", "lifestyle"},
		Confidence:     0.8,
	},
	{"financial_planning_event", "family"}: {
		Type:           "budget_check",
		Message:        "Review budget impact of family activities and events",
		RelatedDomains: []string{"financial"},
		Confidence:     0.7,
	},
	{"financial_planning_event", "lifestyle"}: {
		Type:           "budget_check",
		Message:        "Check whether lifestyle spending fits the current financial plan",
		RelatedDomains: []string{"financial"},
		Confidence:     0.7,
	},

	{"home_improvement_project", "home"}: {
		Type:           "financial_planning",
		Message:        "Create budget and timeline for home improvement project",
		RelatedDomains: []string{"financial"},
		Confidence:     0.9,
	},
	{"home_improvement_project", "financial"}: {
		Type:           "project_coordination",
		Message:        "Coordinate home project costs with family schedule",
		RelatedDomains: []string{"home", "family"},
		Confidence:     0.8,
	},
	{"home_improvement_project", "family"}: {
		Type:           "project_coordination",
		Message:        "Plan family logistics around the home improvement timeline",
		RelatedDomains: []string{"home"},
		Confidence:     0.7,
	},

	{"family_activity_planning", "family"}: {
		Type:           "budget_planning",
		Message:        "Plan budget for upcoming family activities and events",
		RelatedDomains: []string{"financial"},
		Confidence:     0.8,
	},
	{"family_activity_planning", "lifestyle"}: {
		Type:           "schedule_integration",
		Message:        "Integrate family activities with personal lifestyle goals",
		RelatedDomains: []string{"family"},
		Confidence:     0.7,
	},
	{"family_activity_planning", "financial"}: {
		Type:           "budget_planning",
		Message:        "Set aside funds for planned family activities",
		RelatedDomains: []string{"family"},
		Confidence:     0.7,
	},

	{"career_development", "professional"}: {
		Type:           "financial_planning",
		Message:        "Budget for training or certification costs and plan around income changes",
		RelatedDomains: []string{"financial"},
		Confidence:     0.8,
	},
	{"career_development", "financial"}: {
		Type:           "cross_domain_insight",
		Message:        "Factor career changes into income and savings projections",
		RelatedDomains: []string{"professional"},
		Confidence:     0.7,
	},
	{"career_development", "lifestyle"}: {
		Type:           "schedule_integration",
		Message:        "Balance career development time against lifestyle commitments",
		RelatedDomains: []string{"professional"},
		Confidence:     0.6,
	},

	{"health_lifestyle_change", "lifestyle"}: {
		Type:           "cross_domain_insight",
		Message:        "Coordinate health and fitness changes with family routines and budget",
		RelatedDomains: []string{"family", "financial"},
		Confidence:     0.7,
	},
	{"health_lifestyle_change", "family"}: {
		Type:           "schedule_integration",
		Message:        "Involve the family in planned health and wellness changes",
		RelatedDomains: []string{"lifestyle"},
		Confidence:     0.6,
	},
	{"health_lifestyle_change", "financial"}: {
		Type:           "budget_check",
		Message:        "Account for gym, diet, or wellness costs in the monthly budget",
		RelatedDomains: []string{"lifestyle"},
		Confidence:     0.6,
	},
}

// Suggestions returns pattern-based suggestions for the current domain,
// derived from persisted detections with confidence at or above 0.6.
func (d *Detector) Suggestions(ctx context.Context, currentDomain string) ([]Suggestion, error) {
	records, err := d.store.RelevantPatterns(ctx, []string{currentDomain}, persistConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying relevant patterns: %w", err)
	}

	var out []Suggestion
	seen := make(map[suggestionKey]bool)
	for _, rec := range records {
		key := suggestionKey{pattern: rec.PatternName, domain: currentDomain}
		if seen[key] {
			continue
		}
		seen[key] = true
		if s, ok := suggestionTable[key]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}
