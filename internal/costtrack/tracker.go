package costtrack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// alertThresholds are the budget fractions at which alerts fire, checked in
// ascending order. Each (server, threshold) pair fires at most once per day.
var alertThresholds = []struct {
	fraction float64
	message  string
}{
	{0.5, "50% of daily budget used"},
	{0.8, "80% of daily budget used"},
	{0.9, "90% of daily budget used"},
	{1.0, "Daily budget limit exceeded!"},
}

// UsageStore persists and aggregates usage events. It exists to allow
// testing without a real database.
type UsageStore interface {
	Insert(ctx context.Context, ev UsageEvent) error
	Summary(ctx context.Context, serverName string, days int) (*UsageSummary, error)
}

// KnowledgeWriter receives budget alerts and configuration records.
type KnowledgeWriter interface {
	StoreKnowledge(ctx context.Context, domain, title, content string, metadata map[string]any, keywords []string) (string, error)
}

// AlertMetrics counts fired budget alerts.
type AlertMetrics interface {
	IncBudgetAlert(threshold float64)
}

// Tracker meters API usage against a daily budget. Budget enforcement is
// soft: crossing a threshold emits an alert but never blocks the call.
// Tracker is safe for concurrent use.
type Tracker struct {
	store     UsageStore
	knowledge KnowledgeWriter
	metrics   AlertMetrics

	mu         sync.Mutex
	dailyLimit float64
	fired      map[string]map[float64]bool // server -> threshold fractions fired today

	now func() time.Time // injectable clock for testing
}

// NewTracker creates a Tracker with the given daily budget limit in USD.
func NewTracker(store UsageStore, knowledge KnowledgeWriter, dailyLimit float64) *Tracker {
	return &Tracker{
		store:      store,
		knowledge:  knowledge,
		dailyLimit: dailyLimit,
		fired:      make(map[string]map[float64]bool),
		now:        time.Now,
	}
}

// SetMetrics attaches an alert counter. Call before serving traffic.
func (t *Tracker) SetMetrics(m AlertMetrics) {
	t.metrics = m
}

// TrackUsage records one usage event, computing its cost from the rate
// table. Unknown provider/model pairs fall back to default rates with a
// warning. Persistence failures propagate; the budget check that follows is
// best-effort and never fails the call.
func (t *Tracker) TrackUsage(ctx context.Context, serverName, provider, model, endpoint string, inputTokens, outputTokens int, metadata map[string]any) (*UsageEvent, error) {
	rates, known := lookupRates(provider, model)
	if !known {
		slog.Warn("unknown provider/model, using default rates",
			"provider", provider, "model", model)
	}

	ev := UsageEvent{
		ServerName:    serverName,
		Provider:      provider,
		Model:         model,
		Endpoint:      endpoint,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: cost(inputTokens, outputTokens, rates),
		Timestamp:     t.now().UTC(),
		Metadata:      metadata,
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}

	if err := t.store.Insert(ctx, ev); err != nil {
		return nil, fmt.Errorf("tracking usage: %w", err)
	}

	t.checkBudget(ctx, serverName)

	return &ev, nil
}

// checkBudget compares today's cumulative cost against each alert threshold
// and emits any alerts that have not yet fired.
func (t *Tracker) checkBudget(ctx context.Context, serverName string) {
	daily, err := t.store.Summary(ctx, serverName, 1)
	if err != nil {
		slog.Error("budget check failed", "server", serverName, "error", err)
		return
	}

	limit := t.DailyLimit()
	for _, th := range alertThresholds {
		if daily.TotalCost < limit*th.fraction {
			continue
		}
		if !t.markFired(serverName, th.fraction) {
			continue
		}
		t.sendAlert(ctx, serverName, th.fraction, th.message, daily)
	}
}

// markFired atomically records that the (server, threshold) alert has been
// sent. It returns false when the alert already fired since the last reset.
func (t *Tracker) markFired(serverName string, fraction float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fired := t.fired[serverName]
	if fired == nil {
		fired = make(map[float64]bool)
		t.fired[serverName] = fired
	}
	if fired[fraction] {
		return false
	}
	fired[fraction] = true
	return true
}

// sendAlert persists a budget alert to the knowledge store.
func (t *Tracker) sendAlert(ctx context.Context, serverName string, fraction float64, message string, daily *UsageSummary) {
	alert := map[string]any{
		"server_name":  serverName,
		"message":      message,
		"current_cost": daily.TotalCost,
		"daily_limit":  t.DailyLimit(),
		"threshold":    fraction,
		"timestamp":    t.now().UTC().Format(time.RFC3339),
	}
	content, err := json.Marshal(alert)
	if err != nil {
		slog.Error("encoding budget alert", "error", err)
		return
	}

	slog.Warn("budget alert", "server", serverName, "message", message,
		"current_cost", daily.TotalCost, "limit", t.DailyLimit())

	if t.metrics != nil {
		t.metrics.IncBudgetAlert(fraction)
	}

	_, err = t.knowledge.StoreKnowledge(ctx, "system",
		"Budget Alert: "+serverName,
		string(content),
		map[string]any{"type": "budget_alert", "severity": "warning", "threshold": fraction},
		[]string{"budget", "alert", "cost", serverName},
	)
	if err != nil {
		slog.Error("persisting budget alert", "server", serverName, "error", err)
	}
}

// ResetDailyAlerts clears the fired-alert state. It is expected to be
// invoked at the daily boundary by an external scheduler (the sweep
// command).
func (t *Tracker) ResetDailyAlerts() {
	t.mu.Lock()
	t.fired = make(map[string]map[float64]bool)
	t.mu.Unlock()
	slog.Info("daily budget alerts reset")
}

// DailyLimit returns the current daily budget limit.
func (t *Tracker) DailyLimit() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dailyLimit
}

// SetDailyLimit updates the daily budget limit and records the change in
// the knowledge store.
func (t *Tracker) SetDailyLimit(ctx context.Context, serverName string, limit float64) error {
	if limit <= 0 {
		return fmt.Errorf("daily limit must be positive, got %v", limit)
	}

	t.mu.Lock()
	t.dailyLimit = limit
	t.mu.Unlock()

	_, err := t.knowledge.StoreKnowledge(ctx, "system",
		"Budget Limit: "+serverName,
		fmt.Sprintf("Daily budget limit set to $%.2f", limit),
		map[string]any{"type": "budget_config", "server": serverName, "limit": limit},
		[]string{"budget", "limit", "config", serverName},
	)
	if err != nil {
		return fmt.Errorf("recording budget limit: %w", err)
	}
	return nil
}

// DailyUsage aggregates the trailing day. An empty serverName aggregates
// across all servers.
func (t *Tracker) DailyUsage(ctx context.Context, serverName string) (*UsageSummary, error) {
	return t.store.Summary(ctx, serverName, 1)
}

// WeeklyUsage aggregates the trailing 7 days.
func (t *Tracker) WeeklyUsage(ctx context.Context, serverName string) (*UsageSummary, error) {
	return t.store.Summary(ctx, serverName, 7)
}

// MonthlyUsage aggregates the trailing 30 days.
func (t *Tracker) MonthlyUsage(ctx context.Context, serverName string) (*UsageSummary, error) {
	return t.store.Summary(ctx, serverName, 30)
}

// Report builds a cost report across the given servers for the trailing
// window, including optimization suggestions.
func (t *Tracker) Report(ctx context.Context, servers []string, days int) (*CostReport, error) {
	total, err := t.store.Summary(ctx, "", days)
	if err != nil {
		return nil, fmt.Errorf("building cost report: %w", err)
	}

	report := &CostReport{
		PeriodDays:      days,
		GeneratedAt:     t.now().UTC(),
		TotalSummary:    total,
		ServerBreakdown: make(map[string]*UsageSummary, len(servers)),
	}

	for _, server := range servers {
		summary, err := t.store.Summary(ctx, server, days)
		if err != nil {
			return nil, fmt.Errorf("building cost report for %s: %w", server, err)
		}
		report.ServerBreakdown[server] = summary
		report.Suggestions = append(report.Suggestions, t.suggestions(server, summary)...)
	}

	return report, nil
}

// suggestions derives optimization hints from a server's usage summary.
func (t *Tracker) suggestions(serverName string, summary *UsageSummary) []Suggestion {
	if len(summary.DailyBreakdown) == 0 {
		return nil
	}

	var totalCost float64
	for _, day := range summary.DailyBreakdown {
		totalCost += day.Cost
	}
	avgDaily := totalCost / float64(len(summary.DailyBreakdown))

	limit := t.DailyLimit()
	var out []Suggestion
	if avgDaily > limit*0.8 {
		out = append(out, Suggestion{
			Type:           "budget_warning",
			Priority:       "high",
			Message:        fmt.Sprintf("Average daily cost ($%.2f) for %s approaching limit ($%.2f)", avgDaily, serverName, limit),
			Recommendation: "Consider using more cost-effective models or reducing API calls",
		})
	}
	return out
}
