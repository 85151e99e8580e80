package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dstanwood/trellis/internal/cache"
	"github.com/dstanwood/trellis/internal/costtrack"
	"github.com/dstanwood/trellis/internal/knowledge"
	"github.com/dstanwood/trellis/internal/pattern"
)

type trackedCall struct {
	serverName   string
	provider     string
	model        string
	endpoint     string
	inputTokens  int
	outputTokens int
}

type memTracker struct {
	mu    sync.Mutex
	calls []trackedCall
	err   error
}

func (m *memTracker) TrackUsage(ctx context.Context, serverName, provider, model, endpoint string, inputTokens, outputTokens int, metadata map[string]any) (*costtrack.UsageEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, trackedCall{serverName, provider, model, endpoint, inputTokens, outputTokens})
	return &costtrack.UsageEvent{}, nil
}

func (m *memTracker) DailyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error) {
	return &costtrack.UsageSummary{TotalCost: 1.5, TotalRequests: 3}, nil
}

func (m *memTracker) WeeklyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error) {
	return &costtrack.UsageSummary{TotalCost: 7.0, TotalRequests: 20}, nil
}

func (m *memTracker) MonthlyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error) {
	return &costtrack.UsageSummary{TotalCost: 30.0, TotalRequests: 90}, nil
}

type analyzed struct {
	content   string
	domain    string
	sessionID string
}

type memAnalyzer struct {
	mu       sync.Mutex
	analyzed []analyzed
	detected []pattern.DetectedPattern
	suggest  []pattern.Suggestion
}

func (m *memAnalyzer) AnalyzeConversation(ctx context.Context, content, domain, sessionID string, metadata map[string]any) []pattern.DetectedPattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed = append(m.analyzed, analyzed{content, domain, sessionID})
	return m.detected
}

func (m *memAnalyzer) Suggestions(ctx context.Context, currentDomain string) ([]pattern.Suggestion, error) {
	return m.suggest, nil
}

func (m *memAnalyzer) Snapshot() pattern.Analytics {
	return pattern.Analytics{TotalSessions: 1}
}

type cachedSet struct {
	domain    string
	key       string
	value     any
	ttl       time.Duration
	relevance []string
}

type memCache struct {
	mu     sync.Mutex
	sets   []cachedSet
	setErr error
}

func (m *memCache) Set(ctx context.Context, domain, key string, value any, ttl time.Duration, relevance []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.sets = append(m.sets, cachedSet{domain, key, value, ttl, relevance})
	return nil
}

func (m *memCache) CrossDomainSuggestions(ctx context.Context, currentDomain string) ([]cache.CrossDomainSuggestion, error) {
	return []cache.CrossDomainSuggestion{{Domain: "family", Key: "trellis:family:k", RelevanceScore: 0.7}}, nil
}

func (m *memCache) Stats() cache.Stats {
	return cache.Stats{Hits: 1, Backend: "local"}
}

type knowledgeWrite struct {
	domain   string
	title    string
	content  string
	keywords []string
}

type memKnowledge struct {
	mu     sync.Mutex
	writes []knowledgeWrite
	found  []*knowledge.Record
}

func (m *memKnowledge) StoreKnowledge(ctx context.Context, domain, title, content string, metadata map[string]any, keywords []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, knowledgeWrite{domain, title, content, keywords})
	return "k-1", nil
}

func (m *memKnowledge) SearchKnowledge(ctx context.Context, q knowledge.SearchQuery) ([]*knowledge.Record, error) {
	return m.found, nil
}

type memSessions struct {
	mu      sync.Mutex
	started int
	updated int
	ended   []string
	nextID  string
}

func (m *memSessions) Start(ctx context.Context, userID string, initialContext map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	if m.nextID == "" {
		m.nextID = "sess-1"
	}
	return m.nextID, nil
}

func (m *memSessions) UpdateContext(ctx context.Context, sessionID string, update map[string]any, entry map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated++
	return nil
}

func (m *memSessions) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, sessionID)
	return nil
}

type testEnv struct {
	server   *Server
	tracker  *memTracker
	analyzer *memAnalyzer
	cache    *memCache
	know     *memKnowledge
	sessions *memSessions
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		tracker:  &memTracker{},
		analyzer: &memAnalyzer{},
		cache:    &memCache{},
		know:     &memKnowledge{},
		sessions: &memSessions{},
	}
	env.server = NewServer("trellis-financial", "financial", Deps{
		Tracker:   env.tracker,
		Detector:  env.analyzer,
		Cache:     env.cache,
		Knowledge: env.know,
		Sessions:  env.sessions,
		ResultTTL: 30 * time.Minute,
	})
	return env
}

// echoTool returns a result large enough to trigger knowledge write-back.
func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the arguments back",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"echoed":  args,
				"note":    "this payload is intentionally sizable for persistence",
				"version": 1,
			}, nil
		},
	}
}

func TestStandardToolsRegistered(t *testing.T) {
	env := newTestServer(t)

	tools := env.server.Tools()
	want := []string{"search_knowledge", "get_pattern_insights", "update_session_context", "get_usage_stats"}
	if len(tools) != len(want) {
		t.Fatalf("expected %d tools, got %d", len(want), len(tools))
	}
	for i, name := range want {
		if tools[i].Name != name {
			t.Errorf("tool %d: got %q, want %q", i, tools[i].Name, name)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := newTestServer(t)

	if err := env.server.Register(echoTool()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := env.server.Register(echoTool())
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	env := newTestServer(t)

	_, err := env.server.Invoke(context.Background(), "no_such_tool", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestInvokePipeline(t *testing.T) {
	env := newTestServer(t)
	env.server.MustRegister(echoTool())

	args := map[string]any{"query": "budget $500 for vacation"}
	inv, err := env.server.Invoke(context.Background(), "echo", args)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if inv.ID == "" || inv.Tool != "echo" {
		t.Errorf("unexpected invocation %+v", inv)
	}
	result, ok := inv.Result.(map[string]any)
	if !ok || result["version"] != 1 {
		t.Errorf("handler result altered: %v", inv.Result)
	}

	// Usage was tracked with the internal provider and the tool as endpoint.
	if len(env.tracker.calls) != 1 {
		t.Fatalf("expected 1 tracked call, got %d", len(env.tracker.calls))
	}
	call := env.tracker.calls[0]
	if call.provider != "internal" || call.model != "tool-call" || call.endpoint != "echo" {
		t.Errorf("unexpected tracking call %+v", call)
	}
	if call.inputTokens == 0 || call.outputTokens != 100 {
		t.Errorf("unexpected token estimates %+v", call)
	}

	// The query argument reached pattern analysis under the default session.
	if len(env.analyzer.analyzed) != 1 {
		t.Fatalf("expected 1 analysis, got %d", len(env.analyzer.analyzed))
	}
	a := env.analyzer.analyzed[0]
	if a.content != "budget $500 for vacation" || a.domain != "financial" || a.sessionID != "default" {
		t.Errorf("unexpected analysis %+v", a)
	}

	// The result was cached domain-locally with the configured TTL.
	if len(env.cache.sets) != 1 {
		t.Fatalf("expected 1 cache set, got %d", len(env.cache.sets))
	}
	set := env.cache.sets[0]
	if set.domain != "financial" || set.ttl != 30*time.Minute {
		t.Errorf("unexpected cache set %+v", set)
	}
	if !strings.HasPrefix(set.key, "echo:") {
		t.Errorf("unexpected cache key %q", set.key)
	}
	if set.relevance != nil {
		t.Errorf("expected domain-local relevance, got %v", set.relevance)
	}

	// The sizable result was written back to the knowledge base.
	if len(env.know.writes) != 1 {
		t.Fatalf("expected 1 knowledge write, got %d", len(env.know.writes))
	}
	w := env.know.writes[0]
	if w.title != "Tool Result: echo" || w.domain != "financial" {
		t.Errorf("unexpected knowledge write %+v", w)
	}
	for _, kw := range []string{"budget", "$500", "vacation", "echo", "financial"} {
		found := false
		for _, got := range w.keywords {
			if got == kw {
				found = true
			}
		}
		if !found {
			t.Errorf("keyword %q missing from %v", kw, w.keywords)
		}
	}
}

func TestSearchToolResultsRelevantEverywhere(t *testing.T) {
	env := newTestServer(t)

	_, err := env.server.Invoke(context.Background(), "search_knowledge", map[string]any{"query": "college savings"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(env.cache.sets) != 1 {
		t.Fatalf("expected 1 cache set, got %d", len(env.cache.sets))
	}
	relevance := env.cache.sets[0].relevance
	if len(relevance) != 5 {
		t.Fatalf("expected all 5 domains relevant, got %v", relevance)
	}
}

func TestHandlerErrorWrapped(t *testing.T) {
	env := newTestServer(t)
	handlerErr := errors.New("boom")
	env.server.MustRegister(Tool{
		Name: "failing",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, handlerErr
		},
	})

	_, err := env.server.Invoke(context.Background(), "failing", nil)
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Tool != "failing" || !errors.Is(err, handlerErr) {
		t.Errorf("unexpected error %v", err)
	}

	// Failed calls are not cached and not written to knowledge.
	if len(env.cache.sets) != 0 || len(env.know.writes) != 0 {
		t.Error("failed call must not produce side effects")
	}

	status := env.server.Status()
	if status["error_rate"].(float64) != 1.0 {
		t.Errorf("unexpected error rate %v", status["error_rate"])
	}
}

func TestCacheOutageDoesNotBlockResult(t *testing.T) {
	env := newTestServer(t)
	env.cache.setErr = errors.New("redis down")
	env.server.MustRegister(echoTool())

	inv, err := env.server.Invoke(context.Background(), "echo", map[string]any{"query": "plan"})
	if err != nil {
		t.Fatalf("Invoke must succeed despite cache outage: %v", err)
	}
	if inv.Result == nil {
		t.Fatal("expected a result")
	}
}

func TestTrackerOutageDoesNotBlockResult(t *testing.T) {
	env := newTestServer(t)
	env.tracker.err = errors.New("db down")
	env.server.MustRegister(echoTool())

	if _, err := env.server.Invoke(context.Background(), "echo", map[string]any{"query": "plan"}); err != nil {
		t.Fatalf("Invoke must succeed despite tracker outage: %v", err)
	}
}

func TestSmallResultsSkipKnowledge(t *testing.T) {
	env := newTestServer(t)
	env.server.MustRegister(Tool{
		Name: "tiny",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	})

	if _, err := env.server.Invoke(context.Background(), "tiny", nil); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(env.know.writes) != 0 {
		t.Errorf("small result must not be persisted, got %d writes", len(env.know.writes))
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestServer(t)

	id, err := env.server.StartSession(context.Background(), map[string]any{"user_id": "u-9"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != "sess-1" || env.server.CurrentSession() != "sess-1" {
		t.Fatalf("unexpected session id %q", id)
	}

	if err := env.server.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if env.server.CurrentSession() != "" {
		t.Error("expected no current session after end")
	}
	if len(env.sessions.ended) != 1 || env.sessions.ended[0] != "sess-1" {
		t.Errorf("unexpected ended sessions %v", env.sessions.ended)
	}
}

func TestSessionUpdateStartsSessionWhenNone(t *testing.T) {
	env := newTestServer(t)

	inv, err := env.server.Invoke(context.Background(), "update_session_context", map[string]any{
		"context_update": map[string]any{"topic": "college savings"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	result := inv.Result.(map[string]any)
	if result["session_id"] != "sess-1" || result["context_updated"] != true {
		t.Errorf("unexpected result %v", result)
	}
	if env.sessions.started != 1 {
		t.Errorf("expected a session to be started, got %d", env.sessions.started)
	}
	if env.server.CurrentSession() != "sess-1" {
		t.Errorf("expected current session to be set")
	}

	// Second update reuses the session.
	if _, err := env.server.Invoke(context.Background(), "update_session_context", map[string]any{
		"context_update": map[string]any{"mood": "focused"},
	}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if env.sessions.started != 1 || env.sessions.updated != 1 {
		t.Errorf("expected 1 start and 1 update, got %d/%d", env.sessions.started, env.sessions.updated)
	}
}

func TestUsageStatsPeriods(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		period   string
		wantCost float64
	}{
		{"daily", 1.5},
		{"weekly", 7.0},
		{"monthly", 30.0},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			inv, err := env.server.Invoke(context.Background(), "get_usage_stats", map[string]any{"period": tt.period})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			result := inv.Result.(map[string]any)
			usage := result["usage"].(*costtrack.UsageSummary)
			if usage.TotalCost != tt.wantCost {
				t.Errorf("period %s: got cost %v, want %v", tt.period, usage.TotalCost, tt.wantCost)
			}
			if result["server_name"] != "trellis-financial" {
				t.Errorf("unexpected server name %v", result["server_name"])
			}
		})
	}

	_, err := env.server.Invoke(context.Background(), "get_usage_stats", map[string]any{"period": "yearly"})
	if err == nil {
		t.Fatal("expected error for unknown period")
	}
}

func TestPatternInsights(t *testing.T) {
	env := newTestServer(t)
	env.analyzer.suggest = []pattern.Suggestion{{Type: "budget_check", Confidence: 0.7}}

	inv, err := env.server.Invoke(context.Background(), "get_pattern_insights", map[string]any{"context": "planning a kitchen renovation"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	result := inv.Result.(map[string]any)
	suggestions := result["pattern_suggestions"].([]pattern.Suggestion)
	if len(suggestions) != 1 || suggestions[0].Type != "budget_check" {
		t.Errorf("unexpected suggestions %v", suggestions)
	}
	insights := result["cross_domain_insights"].([]cache.CrossDomainSuggestion)
	if len(insights) != 1 || insights[0].Domain != "family" {
		t.Errorf("unexpected insights %v", insights)
	}

	// The context argument also feeds pattern analysis.
	if len(env.analyzer.analyzed) != 1 || env.analyzer.analyzed[0].content != "planning a kitchen renovation" {
		t.Errorf("expected context to be analyzed, got %v", env.analyzer.analyzed)
	}
}

func TestStatusShape(t *testing.T) {
	env := newTestServer(t)
	env.server.MustRegister(echoTool())
	env.server.Invoke(context.Background(), "echo", map[string]any{"query": "x"})

	status := env.server.Status()
	if status["server_name"] != "trellis-financial" || status["domain"] != "financial" {
		t.Errorf("unexpected identity %v", status)
	}
	if status["requests_handled"] != 1 {
		t.Errorf("unexpected request count %v", status["requests_handled"])
	}
	tools := status["registered_tools"].([]string)
	if len(tools) != 5 {
		t.Errorf("expected 5 registered tools, got %v", tools)
	}
	if _, ok := status["cache_stats"]; !ok {
		t.Error("expected cache_stats in status")
	}
	if _, ok := status["pattern_analytics"]; !ok {
		t.Error("expected pattern_analytics in status")
	}
}
