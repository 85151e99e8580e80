package costtrack

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory UsageStore for tests.
type memStore struct {
	mu       sync.Mutex
	events   []UsageEvent
	insertFn func(ctx context.Context, ev UsageEvent) error
}

func (m *memStore) Insert(ctx context.Context, ev UsageEvent) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, ev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) Summary(ctx context.Context, serverName string, days int) (*UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := &UsageSummary{
		DailyBreakdown:  make(map[string]PeriodTotals),
		ServerBreakdown: make(map[string]PeriodTotals),
	}
	for _, ev := range m.events {
		if serverName != "" && ev.ServerName != serverName {
			continue
		}
		summary.TotalCost += ev.EstimatedCost
		summary.TotalRequests++

		day := ev.Timestamp.Format("2006-01-02")
		d := summary.DailyBreakdown[day]
		d.Cost += ev.EstimatedCost
		d.Requests++
		summary.DailyBreakdown[day] = d

		sv := summary.ServerBreakdown[ev.ServerName]
		sv.Cost += ev.EstimatedCost
		sv.Requests++
		summary.ServerBreakdown[ev.ServerName] = sv
	}
	return summary, nil
}

// memKnowledge records StoreKnowledge calls.
type memKnowledge struct {
	mu      sync.Mutex
	writes  []knowledgeWrite
	writeFn func() error
}

type knowledgeWrite struct {
	domain   string
	title    string
	content  string
	metadata map[string]any
	keywords []string
}

func (m *memKnowledge) StoreKnowledge(ctx context.Context, domain, title, content string, metadata map[string]any, keywords []string) (string, error) {
	if m.writeFn != nil {
		if err := m.writeFn(); err != nil {
			return "", err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, knowledgeWrite{domain, title, content, metadata, keywords})
	return "kb-1", nil
}

func (m *memKnowledge) alerts() []knowledgeWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []knowledgeWrite
	for _, w := range m.writes {
		if w.metadata["type"] == "budget_alert" {
			out = append(out, w)
		}
	}
	return out
}

func TestCostFormula(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		in, out  int
		want     float64
	}{
		{"openai", "gpt-4", 1000, 1000, 0.03 + 0.06},
		{"openai", "gpt-3.5-turbo", 2000, 500, 0.002 + 0.001},
		{"anthropic", "claude-3-opus", 1000, 2000, 0.015 + 0.15},
		{"anthropic", "claude-3-haiku", 4000, 4000, 0.001 + 0.005},
		{"google", "gemini-pro", 500, 500, 0.0005 + 0.001},
		{"azure", "gpt-4", 100, 0, 0.003},
	}

	for _, tt := range tests {
		t.Run(tt.provider+"_"+tt.model, func(t *testing.T) {
			rates, ok := lookupRates(tt.provider, tt.model)
			if !ok {
				t.Fatalf("rates for %s/%s should be known", tt.provider, tt.model)
			}
			got := cost(tt.in, tt.out, rates)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cost(%d, %d) = %v, want %v", tt.in, tt.out, got, tt.want)
			}
		})
	}
}

func TestCostMonotonicInTokens(t *testing.T) {
	rates, _ := lookupRates("openai", "gpt-4")
	base := cost(1000, 1000, rates)
	if cost(2000, 1000, rates) <= base {
		t.Error("cost should increase with input tokens")
	}
	if cost(1000, 2000, rates) <= base {
		t.Error("cost should increase with output tokens")
	}
}

func TestUnknownModelFallsBackToDefaults(t *testing.T) {
	rates, ok := lookupRates("acme", "supermodel-9000")
	if ok {
		t.Fatal("unknown pair should not be found")
	}
	if rates != defaultRates {
		t.Errorf("expected default rates, got %+v", rates)
	}
}

func TestTrackUsagePersistsEvent(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 100.0)

	ev, err := tr.TrackUsage(context.Background(), "trellis-financial", "internal", "tool-call", "analyze_budget", 400, 100, map[string]any{"tool_name": "analyze_budget"})
	if err != nil {
		t.Fatalf("TrackUsage returned error: %v", err)
	}

	if len(store.events) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(store.events))
	}
	// 400/1000*0.001 + 100/1000*0.002 with default rates.
	want := 0.0004 + 0.0002
	if math.Abs(ev.EstimatedCost-want) > 1e-9 {
		t.Errorf("expected cost %v, got %v", want, ev.EstimatedCost)
	}
}

func TestTrackUsageInsertFailurePropagates(t *testing.T) {
	store := &memStore{insertFn: func(ctx context.Context, ev UsageEvent) error {
		return errors.New("db down")
	}}
	tr := NewTracker(store, &memKnowledge{}, 100.0)

	if _, err := tr.TrackUsage(context.Background(), "s", "internal", "tool-call", "e", 10, 10, nil); err == nil {
		t.Fatal("expected error when store insert fails")
	}
}

func TestBudgetAlertFiresOncePerThreshold(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 10.0)

	// Each event costs $0.6 at gpt-4 rates ((10000/1000)*0.03 + (5000/1000)*0.06).
	// The first event already crosses the 0.5 threshold ($5)? No: $0.6 each,
	// so the 0.5 threshold ($5) is crossed at the 9th event. Track 10 events
	// that all leave cumulative cost past the threshold afterwards.
	for i := 0; i < 9; i++ {
		if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 10000, 5000, nil); err != nil {
			t.Fatal(err)
		}
	}
	// Cumulative: $5.4, above 50% and below 80%.
	for i := 0; i < 10; i++ {
		// No further cost, but the check runs each call and must not re-fire.
		if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 0, 0, nil); err != nil {
			t.Fatal(err)
		}
	}

	alerts := kb.alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(alerts))
	}
	if alerts[0].metadata["threshold"] != 0.5 {
		t.Errorf("expected threshold 0.5, got %v", alerts[0].metadata["threshold"])
	}
	if !strings.Contains(alerts[0].title, "srv") {
		t.Errorf("alert title should name the server: %q", alerts[0].title)
	}
}

func TestBudgetAlertMultipleThresholdsInOneJump(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 1.0)

	// One event costing $1.2 crosses every threshold at once.
	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 20000, 10000, nil); err != nil {
		t.Fatal(err)
	}

	alerts := kb.alerts()
	if len(alerts) != 4 {
		t.Fatalf("expected 4 alerts (0.5, 0.8, 0.9, 1.0), got %d", len(alerts))
	}
	// Ascending order.
	fractions := []float64{0.5, 0.8, 0.9, 1.0}
	for i, a := range alerts {
		if a.metadata["threshold"] != fractions[i] {
			t.Errorf("alert %d: expected threshold %v, got %v", i, fractions[i], a.metadata["threshold"])
		}
	}
}

// memAlertMetrics records IncBudgetAlert calls.
type memAlertMetrics struct {
	mu         sync.Mutex
	thresholds []float64
}

func (m *memAlertMetrics) IncBudgetAlert(threshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = append(m.thresholds, threshold)
}

func TestBudgetAlertsCountedInMetrics(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 1.0)
	am := &memAlertMetrics{}
	tr.SetMetrics(am)

	// $0.6 crosses the 0.5 threshold only.
	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 20000, 0, nil); err != nil {
		t.Fatal(err)
	}
	if len(am.thresholds) != 1 || am.thresholds[0] != 0.5 {
		t.Fatalf("expected one 0.5 alert counted, got %v", am.thresholds)
	}

	// Repeat call: the threshold already fired, the counter must not move.
	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if len(am.thresholds) != 1 {
		t.Fatalf("expected no duplicate alert counts, got %v", am.thresholds)
	}
}

func TestResetDailyAlertsAllowsRefire(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 1.0)

	// $0.93 crosses 0.5, 0.8, and 0.9.
	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 11000, 10000, nil); err != nil {
		t.Fatal(err)
	}
	if got := len(kb.alerts()); got != 3 {
		t.Fatalf("expected 3 alerts (0.5, 0.8, 0.9), got %d", got)
	}

	tr.ResetDailyAlerts()

	// Cumulative cost is still past 0.8; the same thresholds fire again.
	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if got := len(kb.alerts()); got != 6 {
		t.Fatalf("expected 6 alerts after reset, got %d", got)
	}
}

func TestBudgetAlertsIndependentPerServer(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 1.0)

	if _, err := tr.TrackUsage(context.Background(), "srv-a", "openai", "gpt-4", "op", 20000, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.TrackUsage(context.Background(), "srv-b", "openai", "gpt-4", "op", 20000, 0, nil); err != nil {
		t.Fatal(err)
	}

	// $0.6 each: both servers independently cross 0.5.
	alerts := kb.alerts()
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts (one per server), got %d", len(alerts))
	}
}

func TestConcurrentTrackingNoDuplicateAlerts(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 10.0)

	// Pre-load cost past every threshold so each concurrent call sees the
	// limit exceeded.
	store.events = append(store.events, UsageEvent{
		ServerName: "srv", EstimatedCost: 20.0, Timestamp: time.Now().UTC(),
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 0, 0, nil)
		}()
	}
	wg.Wait()

	if got := len(kb.alerts()); got != 4 {
		t.Fatalf("expected exactly 4 alerts under concurrency, got %d", got)
	}
}

func TestUsageWindows(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, &memKnowledge{}, 100.0)

	if _, err := tr.TrackUsage(context.Background(), "srv", "openai", "gpt-4", "op", 1000, 1000, nil); err != nil {
		t.Fatal(err)
	}

	daily, err := tr.DailyUsage(context.Background(), "srv")
	if err != nil {
		t.Fatal(err)
	}
	if daily.TotalRequests != 1 {
		t.Errorf("expected 1 request, got %d", daily.TotalRequests)
	}
	if math.Abs(daily.TotalCost-0.09) > 1e-9 {
		t.Errorf("expected total cost 0.09, got %v", daily.TotalCost)
	}
	if len(daily.ServerBreakdown) != 1 {
		t.Errorf("expected 1 server in breakdown, got %d", len(daily.ServerBreakdown))
	}
}

func TestReportSuggestsWhenNearLimit(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 1.0)

	// $0.9 average daily cost against a $1 limit.
	store.events = append(store.events, UsageEvent{
		ServerName: "trellis-financial", EstimatedCost: 0.9, Timestamp: time.Now().UTC(),
	})

	report, err := tr.Report(context.Background(), []string{"trellis-financial"}, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Suggestions) != 1 {
		t.Fatalf("expected 1 suggestion, got %d", len(report.Suggestions))
	}
	if report.Suggestions[0].Type != "budget_warning" {
		t.Errorf("expected budget_warning, got %q", report.Suggestions[0].Type)
	}
}

func TestSetDailyLimit(t *testing.T) {
	store := &memStore{}
	kb := &memKnowledge{}
	tr := NewTracker(store, kb, 10.0)

	if err := tr.SetDailyLimit(context.Background(), "srv", 25.0); err != nil {
		t.Fatal(err)
	}
	if tr.DailyLimit() != 25.0 {
		t.Errorf("expected limit 25.0, got %v", tr.DailyLimit())
	}
	if err := tr.SetDailyLimit(context.Background(), "srv", -1); err == nil {
		t.Error("expected error for non-positive limit")
	}

	// The change is recorded in the knowledge store.
	found := false
	for _, w := range kb.writes {
		if w.metadata["type"] == "budget_config" {
			found = true
		}
	}
	if !found {
		t.Error("expected a budget_config knowledge record")
	}
}
