package pattern

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dstanwood/trellis/internal/knowledge"
)

// persistConfidence is the fixed bar for writing a detection to the
// knowledge store. Detections at or above this confidence are persisted
// even when they fall short of their own template's (possibly higher)
// threshold for being returned. The original system behaves this way;
// confirm with stakeholders before collapsing the two thresholds.
const persistConfidence = 0.6

// contentSummaryLimit caps the stored content excerpt per history entry.
const contentSummaryLimit = 200

// financialAmountRe matches dollar amounts and money-adjacent phrases that
// always emit a synthetic financial_amount trigger.
var financialAmountRe = []*regexp.Regexp{
	regexp.MustCompile(`\$[\d,]+`),
	regexp.MustCompile(`budget.*\d+`),
	regexp.MustCompile(`cost.*\d+`),
	regexp.MustCompile(`expense.*\d+`),
	regexp.MustCompile(`invest.*\d+`),
	regexp.MustCompile(`save.*\d+`),
}

// DetectedPattern is a confidence-scored match of a template against a
// session's recent history. It is recomputed per analysis call.
type DetectedPattern struct {
	Name       string         `json:"name"`
	Domains    []string       `json:"domains"`
	Triggers   []string       `json:"triggers"`
	Confidence float64        `json:"confidence"`
	Frequency  int            `json:"frequency"`
	LastSeen   time.Time      `json:"last_seen"`
	Metadata   map[string]any `json:"metadata"`
}

// historyEntry records the triggers extracted from one conversation turn.
type historyEntry struct {
	domain    string
	triggers  []string
	timestamp time.Time
	summary   string
	metadata  map[string]any
}

// PatternStore persists detections and serves suggestion queries. It
// exists to allow testing without a real database.
type PatternStore interface {
	StorePattern(ctx context.Context, name string, data map[string]any, domains []string, confidence float64) (string, error)
	RelevantPatterns(ctx context.Context, domains []string, minConfidence float64) ([]*knowledge.PatternRecord, error)
}

// Detector matches per-session trigger history against the template
// catalog. It is safe for concurrent use.
type Detector struct {
	store PatternStore

	mu      sync.Mutex
	history map[string][]historyEntry // keyed by session id

	now func() time.Time // injectable clock for testing
}

// NewDetector creates a Detector backed by the given pattern store.
func NewDetector(store PatternStore) *Detector {
	return &Detector{
		store:   store,
		history: make(map[string][]historyEntry),
		now:     time.Now,
	}
}

// AnalyzeConversation extracts triggers from content, records them in the
// session's rolling history, and returns every template match meeting its
// own threshold. Matches with confidence at or above persistConfidence are
// additionally written to the pattern store; persistence failures are
// logged, not returned.
func (d *Detector) AnalyzeConversation(ctx context.Context, content, domain, sessionID string, metadata map[string]any) []DetectedPattern {
	triggers := extractTriggers(content)

	now := d.now().UTC()
	entry := historyEntry{
		domain:    domain,
		triggers:  triggers,
		timestamp: now,
		summary:   summarize(content),
		metadata:  metadata,
	}

	d.mu.Lock()
	d.history[sessionID] = append(d.history[sessionID], entry)
	recent := make([]historyEntry, len(d.history[sessionID]))
	copy(recent, d.history[sessionID])
	d.mu.Unlock()

	var detected []DetectedPattern
	for _, tmpl := range templates {
		p, ok := matchTemplate(tmpl, recent, now)
		if !ok {
			continue
		}

		if p.Confidence >= persistConfidence {
			d.persist(ctx, p, sessionID)
		}
		if p.Confidence >= tmpl.ConfidenceThreshold {
			detected = append(detected, p)
		}
	}
	return detected
}

// matchTemplate evaluates one template against the session history. The
// second return value is false when the template does not match at any
// confidence.
func matchTemplate(tmpl Template, history []historyEntry, now time.Time) (DetectedPattern, bool) {
	cutoff := now.Add(-tmpl.TimeWindow)

	templateTriggers := make(map[string]bool, len(tmpl.Triggers))
	for _, t := range tmpl.Triggers {
		templateTriggers[t] = true
	}

	domains := make(map[string]bool)
	var matchedTriggers []string
	var lastSeen time.Time
	recentCount := 0

	for _, entry := range history {
		if entry.timestamp.Before(cutoff) {
			continue
		}
		recentCount++

		matchedAny := false
		for _, trig := range entry.triggers {
			if templateTriggers[trig] {
				matchedTriggers = append(matchedTriggers, trig)
				matchedAny = true
			}
		}
		if matchedAny {
			domains[entry.domain] = true
			if entry.timestamp.After(lastSeen) {
				lastSeen = entry.timestamp
			}
		}
	}

	if len(domains) < tmpl.MinDomains {
		return DetectedPattern{}, false
	}

	domainScore := float64(len(domains)) / float64(len(tmpl.Domains))
	if domainScore > 1.0 {
		domainScore = 1.0
	}
	triggerScore := float64(len(matchedTriggers)) / float64(len(tmpl.Triggers))
	if triggerScore > 1.0 {
		triggerScore = 1.0
	}
	confidence := 0.6*domainScore + 0.4*triggerScore

	return DetectedPattern{
		Name:       tmpl.Name,
		Domains:    sortedKeys(domains),
		Triggers:   dedupe(matchedTriggers),
		Confidence: confidence,
		Frequency:  len(matchedTriggers),
		LastSeen:   lastSeen,
		Metadata: map[string]any{
			"template":          tmpl.Name,
			"recent_entries":    recentCount,
			"time_window_hours": tmpl.TimeWindow.Hours(),
		},
	}, true
}

// persist writes a detection to the pattern store.
func (d *Detector) persist(ctx context.Context, p DetectedPattern, sessionID string) {
	data := map[string]any{
		"triggers":   p.Triggers,
		"session_id": sessionID,
		"frequency":  p.Frequency,
		"last_seen":  p.LastSeen.Format(time.RFC3339),
		"metadata":   p.Metadata,
	}
	if _, err := d.store.StorePattern(ctx, p.Name, data, p.Domains, p.Confidence); err != nil {
		slog.Error("persisting detected pattern", "pattern", p.Name, "error", err)
	}
}

// extractTriggers returns the deduplicated trigger keywords found in
// content, matched case-insensitively against every template's keyword
// list plus the financial amount regexes.
func extractTriggers(content string) []string {
	lower := strings.ToLower(content)
	seen := make(map[string]bool)
	var triggers []string

	for _, tmpl := range templates {
		for _, trig := range tmpl.Triggers {
			if !seen[trig] && strings.Contains(lower, trig) {
				seen[trig] = true
				triggers = append(triggers, trig)
			}
		}
	}

	for _, re := range financialAmountRe {
		if re.MatchString(lower) {
			if !seen["financial_amount"] {
				seen["financial_amount"] = true
				triggers = append(triggers, "financial_amount")
			}
			break
		}
	}

	sort.Strings(triggers)
	return triggers
}

// CleanupOldHistory drops history entries older than daysOld and removes
// sessions left empty. It returns the number of entries removed.
func (d *Detector) CleanupOldHistory(daysOld int) int {
	cutoff := d.now().UTC().AddDate(0, 0, -daysOld)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for sessionID, entries := range d.history {
		kept := entries[:0]
		for _, e := range entries {
			if e.timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(d.history, sessionID)
		} else {
			d.history[sessionID] = kept
		}
	}

	if removed > 0 {
		slog.Info("pruned pattern history", "removed", removed, "days_old", daysOld)
	}
	return removed
}

// Analytics is a snapshot of the detector's in-memory state.
type Analytics struct {
	TotalSessions      int            `json:"total_sessions"`
	TotalEntries       int            `json:"total_entries"`
	MostCommonTriggers []TriggerCount `json:"most_common_triggers"`
	Templates          []string       `json:"pattern_templates"`
}

// TriggerCount pairs a trigger with its occurrence count.
type TriggerCount struct {
	Trigger string `json:"trigger"`
	Count   int    `json:"count"`
}

// Snapshot reports aggregate counts over the current trigger history.
func (d *Detector) Snapshot() Analytics {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[string]int)
	totalEntries := 0
	for _, entries := range d.history {
		totalEntries += len(entries)
		for _, e := range entries {
			for _, t := range e.triggers {
				counts[t]++
			}
		}
	}

	top := make([]TriggerCount, 0, len(counts))
	for trig, n := range counts {
		top = append(top, TriggerCount{Trigger: trig, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Trigger < top[j].Trigger
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return Analytics{
		TotalSessions:      len(d.history),
		TotalEntries:       totalEntries,
		MostCommonTriggers: top,
		Templates:          TemplateNames(),
	}
}

func summarize(content string) string {
	runes := []rune(content)
	if len(runes) <= contentSummaryLimit {
		return content
	}
	return string(runes[:contentSummaryLimit]) + "..."
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
