package pattern

import "time"

// Template is a static definition of a cross-domain behavioral pattern.
type Template struct {
	Name                string
	Triggers            []string
	Domains             []string
	TimeWindow          time.Duration
	MinDomains          int
	ConfidenceThreshold float64
}

// templates is the built-in pattern catalog, loaded at startup and never
// mutated.
var templates = []Template{
	{
		Name:                "financial_planning_event",
		Triggers:            []string{"budget", "expense", "investment", "savings", "financial goal"},
		Domains:             []string{"financial", "family", "lifestyle"},
		TimeWindow:          24 * time.Hour,
		MinDomains:          2,
		ConfidenceThreshold: 0.7,
	},
	{
		Name:                "home_improvement_project",
		Triggers:            []string{"renovation", "repair", "improvement", "maintenance", "contractor"},
		Domains:             []string{"home", "financial", "family"},
		TimeWindow:          7 * 24 * time.Hour,
		MinDomains:          2,
		ConfidenceThreshold: 0.6,
	},
	{
		Name:                "family_activity_planning",
		Triggers:            []string{"vacation", "trip", "event", "celebration", "activity"},
		Domains:             []string{"family", "financial", "lifestyle"},
		TimeWindow:          3 * 24 * time.Hour,
		MinDomains:          2,
		ConfidenceThreshold: 0.8,
	},
	{
		Name:                "career_development",
		Triggers:            []string{"promotion", "job", "career", "skill", "training", "certification"},
		Domains:             []string{"professional", "financial", "lifestyle"},
		TimeWindow:          14 * 24 * time.Hour,
		MinDomains:          2,
		ConfidenceThreshold: 0.7,
	},
	{
		Name:                "health_lifestyle_change",
		Triggers:            []string{"health", "fitness", "diet", "exercise", "wellness"},
		Domains:             []string{"lifestyle", "family", "financial"},
		TimeWindow:          5 * 24 * time.Hour,
		MinDomains:          2,
		ConfidenceThreshold: 0.6,
	},
}

// TemplateNames returns the names of the built-in templates.
func TemplateNames() []string {
	names := make([]string, len(templates))
	for i, t := range templates {
		names[i] = t.Name
	}
	return names
}
