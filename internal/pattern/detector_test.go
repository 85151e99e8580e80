package pattern

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dstanwood/trellis/internal/knowledge"
)

// memPatternStore is an in-memory PatternStore for tests.
type memPatternStore struct {
	mu       sync.Mutex
	stored   []storedPattern
	relevant []*knowledge.PatternRecord
	storeErr error
	queryErr error
}

type storedPattern struct {
	name       string
	data       map[string]any
	domains    []string
	confidence float64
}

func (m *memPatternStore) StorePattern(ctx context.Context, name string, data map[string]any, domains []string, confidence float64) (string, error) {
	if m.storeErr != nil {
		return "", m.storeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, storedPattern{name, data, domains, confidence})
	return "p-1", nil
}

func (m *memPatternStore) RelevantPatterns(ctx context.Context, domains []string, minConfidence float64) ([]*knowledge.PatternRecord, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.relevant, nil
}

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDetector(store *memPatternStore, clock *fakeClock) *Detector {
	d := NewDetector(store)
	d.now = clock.Now
	return d
}

func TestExtractTriggers(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "budget with amount and vacation",
			content: "budget $500 for vacation",
			want:    []string{"budget", "financial_amount", "vacation"},
		},
		{
			name:    "case insensitive",
			content: "Planning a RENOVATION with a Contractor",
			want:    []string{"contractor", "renovation"},
		},
		{
			name:    "dollar amount alone",
			content: "that costs about $1,200 total",
			want:    []string{"financial_amount"},
		},
		{
			name:    "no triggers",
			content: "hello there",
			want:    nil,
		},
		{
			name:    "duplicates collapse",
			content: "budget budget budget",
			want:    []string{"budget"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTriggers(tt.content)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("extractTriggers(%q) = %v, want %v", tt.content, got, tt.want)
			}
		})
	}
}

func TestSingleDomainNeverMatches(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	// Many trigger-rich turns, all in the same domain: minDomains=2 gates
	// every template regardless of trigger count.
	for i := 0; i < 10; i++ {
		got := d.AnalyzeConversation(context.Background(), "budget expense investment savings financial goal", "financial", "sess-1", nil)
		if len(got) != 0 {
			t.Fatalf("iteration %d: expected no detections from a single domain, got %v", i, got)
		}
	}

	if len(store.stored) != 0 {
		t.Fatalf("expected no persisted patterns, got %d", len(store.stored))
	}
}

func TestConfidenceFormula(t *testing.T) {
	// financial_planning_event: 5 triggers, 3 eligible domains, threshold 0.7.
	// Two matched domains and three matched trigger occurrences:
	// confidence = 0.6*(2/3) + 0.4*(3/5) = 0.64.
	now := time.Now().UTC()
	history := []historyEntry{
		{domain: "financial", triggers: []string{"budget", "expense"}, timestamp: now},
		{domain: "family", triggers: []string{"savings"}, timestamp: now},
	}

	tmpl := templates[0]
	if tmpl.Name != "financial_planning_event" {
		t.Fatalf("unexpected template order: %s", tmpl.Name)
	}

	p, ok := matchTemplate(tmpl, history, now)
	if !ok {
		t.Fatal("expected a match")
	}
	if math.Abs(p.Confidence-0.64) > 1e-9 {
		t.Errorf("expected confidence 0.64, got %v", p.Confidence)
	}
	if p.Frequency != 3 {
		t.Errorf("expected frequency 3 (occurrences, not deduplicated), got %d", p.Frequency)
	}
	if !reflect.DeepEqual(p.Domains, []string{"family", "financial"}) {
		t.Errorf("unexpected domains: %v", p.Domains)
	}
	if !reflect.DeepEqual(p.Triggers, []string{"budget", "expense", "savings"}) {
		t.Errorf("unexpected triggers: %v", p.Triggers)
	}
}

func TestPersistedBelowTemplateThreshold(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	// Builds a 0.64-confidence financial_planning_event: persisted (>= 0.6)
	// but not returned (< 0.7 template threshold).
	d.AnalyzeConversation(context.Background(), "reviewing expense and budget", "financial", "sess-1", nil)
	got := d.AnalyzeConversation(context.Background(), "our savings plan", "family", "sess-1", nil)

	if len(got) != 0 {
		t.Fatalf("expected no returned detections below template threshold, got %v", got)
	}
	if len(store.stored) != 1 {
		t.Fatalf("expected 1 persisted pattern, got %d", len(store.stored))
	}
	sp := store.stored[0]
	if sp.name != "financial_planning_event" {
		t.Errorf("unexpected pattern name %q", sp.name)
	}
	if math.Abs(sp.confidence-0.64) > 1e-9 {
		t.Errorf("expected persisted confidence 0.64, got %v", sp.confidence)
	}
}

func TestFullMatchReturned(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "reviewing expense and budget", "financial", "sess-1", nil)
	d.AnalyzeConversation(context.Background(), "our savings plan", "family", "sess-1", nil)
	got := d.AnalyzeConversation(context.Background(), "investment toward the financial goal", "lifestyle", "sess-1", nil)

	var match *DetectedPattern
	for i := range got {
		if got[i].Name == "financial_planning_event" {
			match = &got[i]
		}
	}
	if match == nil {
		t.Fatalf("expected financial_planning_event in %v", got)
	}
	if math.Abs(match.Confidence-1.0) > 1e-9 {
		t.Errorf("expected confidence 1.0, got %v", match.Confidence)
	}
	if match.Frequency != 5 {
		t.Errorf("expected frequency 5, got %d", match.Frequency)
	}
}

func TestTimeWindowExcludesOldEntries(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "reviewing expense and budget", "financial", "sess-1", nil)

	// financial_planning_event has a 24h window; push the first entry out.
	clock.Advance(25 * time.Hour)

	got := d.AnalyzeConversation(context.Background(), "our savings plan", "family", "sess-1", nil)
	if len(got) != 0 {
		t.Fatalf("expected no detections across an expired window, got %v", got)
	}
	if len(store.stored) != 0 {
		t.Fatalf("expected no persisted patterns, got %d", len(store.stored))
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "reviewing expense and budget", "financial", "sess-a", nil)
	got := d.AnalyzeConversation(context.Background(), "our savings plan", "family", "sess-b", nil)

	if len(got) != 0 || len(store.stored) != 0 {
		t.Fatal("entries from different sessions must not combine into a match")
	}
}

func TestPersistFailureDoesNotAffectResult(t *testing.T) {
	store := &memPatternStore{storeErr: errors.New("db down")}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "reviewing expense and budget", "financial", "sess-1", nil)
	d.AnalyzeConversation(context.Background(), "our savings plan", "family", "sess-1", nil)
	got := d.AnalyzeConversation(context.Background(), "investment toward the financial goal", "lifestyle", "sess-1", nil)

	if len(got) == 0 {
		t.Fatal("detections must still be returned when persistence fails")
	}
}

func TestCleanupOldHistory(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "budget review", "financial", "sess-old", nil)
	clock.Advance(40 * 24 * time.Hour)
	d.AnalyzeConversation(context.Background(), "budget review", "financial", "sess-new", nil)

	removed := d.CleanupOldHistory(30)
	if removed != 1 {
		t.Fatalf("expected 1 removed entry, got %d", removed)
	}

	snap := d.Snapshot()
	if snap.TotalSessions != 1 {
		t.Errorf("expected empty session to be dropped, have %d sessions", snap.TotalSessions)
	}
	if snap.TotalEntries != 1 {
		t.Errorf("expected 1 remaining entry, got %d", snap.TotalEntries)
	}
}

func TestSnapshotCountsTriggers(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	d.AnalyzeConversation(context.Background(), "budget for the trip", "financial", "s1", nil)
	d.AnalyzeConversation(context.Background(), "budget again", "financial", "s1", nil)

	snap := d.Snapshot()
	if snap.TotalSessions != 1 || snap.TotalEntries != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.MostCommonTriggers) == 0 || snap.MostCommonTriggers[0].Trigger != "budget" {
		t.Errorf("expected budget as most common trigger: %+v", snap.MostCommonTriggers)
	}
	if len(snap.Templates) != 5 {
		t.Errorf("expected 5 templates, got %d", len(snap.Templates))
	}
}

func TestConcurrentAnalyzeSameSession(t *testing.T) {
	store := &memPatternStore{}
	clock := newFakeClock(time.Now())
	d := newTestDetector(store, clock)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.AnalyzeConversation(context.Background(), "budget planning", "financial", "shared", nil)
		}()
	}
	wg.Wait()

	snap := d.Snapshot()
	if snap.TotalEntries != 50 {
		t.Fatalf("expected 50 history entries, got %d", snap.TotalEntries)
	}
}
