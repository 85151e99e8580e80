// Package dispatch routes tool invocations through a standard pipeline:
// usage tracking, pattern analysis, handler execution, result caching,
// and knowledge write-back.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dstanwood/trellis/internal/cache"
	"github.com/dstanwood/trellis/internal/costtrack"
	"github.com/dstanwood/trellis/internal/knowledge"
	"github.com/dstanwood/trellis/internal/metrics"
	"github.com/dstanwood/trellis/internal/pattern"
)

// defaultUserID identifies sessions started implicitly by a tool call.
const defaultUserID = "local_user"

// outputTokenEstimate is the flat per-call output token estimate for
// internal tool usage accounting.
const outputTokenEstimate = 100

// knowledgeMinLength is the minimum serialized result size worth storing
// in the knowledge base.
const knowledgeMinLength = 50

// sideEffectTimeout bounds cache and knowledge writes after the handler
// has produced a result. These run on a context detached from the
// request so a client disconnect does not lose them.
const sideEffectTimeout = 5 * time.Second

// allDomains is the cross-domain relevance list for tools whose results
// are useful outside their own domain.
var allDomains = []string{"financial", "family", "lifestyle", "professional", "home"}

// Handler executes one tool call. Arguments arrive JSON-decoded.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is a registered tool: its schema plus its handler.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// ToolInfo is the schema-only view of a tool, for listings.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Invocation is the outcome of one tool call.
type Invocation struct {
	ID       string        `json:"id"`
	Tool     string        `json:"tool"`
	Result   any           `json:"result"`
	Duration time.Duration `json:"-"`
}

// UsageTracker records tool usage for cost accounting.
type UsageTracker interface {
	TrackUsage(ctx context.Context, serverName, provider, model, endpoint string, inputTokens, outputTokens int, metadata map[string]any) (*costtrack.UsageEvent, error)
	DailyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
	WeeklyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
	MonthlyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
}

// ConversationAnalyzer feeds conversation content into pattern detection.
type ConversationAnalyzer interface {
	AnalyzeConversation(ctx context.Context, content, domain, sessionID string, metadata map[string]any) []pattern.DetectedPattern
	Suggestions(ctx context.Context, currentDomain string) ([]pattern.Suggestion, error)
	Snapshot() pattern.Analytics
}

// KnowledgeStore persists and searches knowledge records.
type KnowledgeStore interface {
	StoreKnowledge(ctx context.Context, domain, title, content string, metadata map[string]any, keywords []string) (string, error)
	SearchKnowledge(ctx context.Context, q knowledge.SearchQuery) ([]*knowledge.Record, error)
}

// SessionStore manages user session lifecycle and context.
type SessionStore interface {
	Start(ctx context.Context, userID string, initialContext map[string]any) (string, error)
	UpdateContext(ctx context.Context, sessionID string, update map[string]any, entry map[string]any) error
	End(ctx context.Context, sessionID string) error
}

// ResultCache caches tool results and serves cross-domain suggestions.
type ResultCache interface {
	Set(ctx context.Context, domain, key string, value any, ttl time.Duration, relevance []string) error
	CrossDomainSuggestions(ctx context.Context, currentDomain string) ([]cache.CrossDomainSuggestion, error)
	Stats() cache.Stats
}

// Deps are the collaborators a Server dispatches through.
type Deps struct {
	Tracker   UsageTracker
	Detector  ConversationAnalyzer
	Cache     ResultCache
	Knowledge KnowledgeStore
	Sessions  SessionStore
	Metrics   *metrics.Metrics
	ResultTTL time.Duration
}

// Server owns the tool registry and the invocation pipeline for one
// domain. It is safe for concurrent use.
type Server struct {
	name   string
	domain string
	deps   Deps

	mu             sync.RWMutex
	tools          map[string]Tool
	order          []string
	requestCount   int
	errorCount     int
	currentSession string
	sessionContext map[string]any

	startedAt time.Time
	now       func() time.Time
}

// NewServer creates a Server for the given domain and registers the
// standard tools every domain exposes.
func NewServer(name, domain string, deps Deps) *Server {
	if deps.ResultTTL <= 0 {
		deps.ResultTTL = 30 * time.Minute
	}
	s := &Server{
		name:           name,
		domain:         domain,
		deps:           deps,
		tools:          make(map[string]Tool),
		sessionContext: make(map[string]any),
		startedAt:      time.Now(),
		now:            time.Now,
	}
	s.registerStandardTools()
	return s
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// Domain returns the server's domain.
func (s *Server) Domain() string { return s.domain }

// Register adds a tool to the registry. Registering the same name twice
// fails with ErrDuplicateTool.
func (s *Server) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("registering tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("registering tool %s: handler is required", t.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[t.Name]; exists {
		return fmt.Errorf("registering tool %s: %w", t.Name, ErrDuplicateTool)
	}
	s.tools[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

// MustRegister registers a set of tools and panics on conflict. Intended
// for startup wiring where a duplicate is a programming error.
func (s *Server) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := s.Register(t); err != nil {
			panic(err)
		}
	}
}

// Tools lists registered tools in registration order.
func (s *Server) Tools() []ToolInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		t := s.tools[name]
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Invoke runs a tool call through the full pipeline. The handler's error,
// if any, is returned wrapped in an ExecutionError; side effect failures
// after a successful handler are logged but do not fail the call.
func (s *Server) Invoke(ctx context.Context, name string, args map[string]any) (*Invocation, error) {
	s.mu.RLock()
	tool, ok := s.tools[name]
	sessionID := s.currentSession
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoking %s: %w", name, ErrToolNotFound)
	}
	if sessionID == "" {
		sessionID = "default"
	}
	if args == nil {
		args = map[string]any{}
	}

	s.mu.Lock()
	s.requestCount++
	s.mu.Unlock()

	start := s.now()
	if m := s.deps.Metrics; m != nil {
		m.IncActiveInvocations(name)
		defer m.DecActiveInvocations(name)
	}

	s.trackUsage(ctx, name, args)
	s.analyzeContent(ctx, name, args, sessionID)

	result, err := tool.Handler(ctx, args)
	duration := s.now().Sub(start)
	if err != nil {
		s.mu.Lock()
		s.errorCount++
		s.mu.Unlock()
		if m := s.deps.Metrics; m != nil {
			m.IncToolInvocation(name, "error")
			m.ObserveToolDuration(name, duration.Seconds())
		}
		slog.Error("tool call failed", "server", s.name, "tool", name, "error", err)
		return nil, &ExecutionError{Tool: name, Err: err}
	}

	// Cache and knowledge writes survive request cancellation but are
	// bounded so a stuck backend cannot pin goroutines.
	side, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	s.cacheResult(side, name, args, result)
	s.recordKnowledge(side, name, args, result)

	if m := s.deps.Metrics; m != nil {
		m.IncToolInvocation(name, "ok")
		m.ObserveToolDuration(name, duration.Seconds())
	}
	slog.Debug("tool call completed", "server", s.name, "tool", name, "duration", duration)

	return &Invocation{
		ID:       uuid.NewString(),
		Tool:     name,
		Result:   result,
		Duration: duration,
	}, nil
}

// trackUsage estimates token usage for the call and records it. Failures
// are logged; accounting never blocks a tool call.
func (s *Server) trackUsage(ctx context.Context, name string, args map[string]any) {
	if s.deps.Tracker == nil {
		return
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		slog.Warn("encoding tool arguments for usage tracking", "tool", name, "error", err)
		return
	}
	inputTokens := len(encoded) / 4

	_, err = s.deps.Tracker.TrackUsage(ctx, s.name, "internal", "tool-call", name, inputTokens, outputTokenEstimate, map[string]any{
		"tool_name": name,
		"domain":    s.domain,
	})
	if err != nil {
		slog.Warn("tracking tool usage", "tool", name, "error", err)
	}
}

// analyzeContent feeds query or context arguments into pattern detection.
func (s *Server) analyzeContent(ctx context.Context, name string, args map[string]any, sessionID string) {
	if s.deps.Detector == nil {
		return
	}

	content, ok := StringArg(args, "query")
	if !ok {
		content, ok = StringArg(args, "context")
	}
	if !ok || content == "" {
		return
	}

	detected := s.deps.Detector.AnalyzeConversation(ctx, content, s.domain, sessionID, nil)
	if m := s.deps.Metrics; m != nil {
		for _, p := range detected {
			m.IncPatternDetection(p.Name)
		}
	}
}

// cacheResult stores the result under a key derived from the tool name
// and its arguments. Search and knowledge tools are relevant everywhere;
// everything else stays domain-local.
func (s *Server) cacheResult(ctx context.Context, name string, args map[string]any, result any) {
	if s.deps.Cache == nil {
		return
	}

	key, err := resultCacheKey(name, args)
	if err != nil {
		slog.Warn("building cache key", "tool", name, "error", err)
		return
	}

	var relevance []string
	if strings.Contains(name, "search") || strings.Contains(name, "knowledge") {
		relevance = allDomains
	}

	if err := s.deps.Cache.Set(ctx, s.domain, key, result, s.deps.ResultTTL, relevance); err != nil {
		slog.Warn("caching tool result", "tool", name, "error", err)
		if m := s.deps.Metrics; m != nil {
			m.IncCacheOperation("set", "error")
		}
		return
	}
	if m := s.deps.Metrics; m != nil {
		m.IncCacheOperation("set", "ok")
	}
}

// recordKnowledge writes substantial tool results to the knowledge base.
func (s *Server) recordKnowledge(ctx context.Context, name string, args map[string]any, result any) {
	if s.deps.Knowledge == nil {
		return
	}

	content, err := json.Marshal(result)
	if err != nil || len(content) < knowledgeMinLength {
		return
	}

	keywords := make(map[string]bool)
	for _, v := range args {
		if str, ok := v.(string); ok {
			for _, w := range strings.Fields(strings.ToLower(str)) {
				keywords[w] = true
			}
		}
	}
	keywords[name] = true
	keywords[s.domain] = true

	_, err = s.deps.Knowledge.StoreKnowledge(ctx, s.domain, "Tool Result: "+name, string(content), map[string]any{
		"tool_name": name,
		"arguments": args,
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"source":    "tool_result",
	}, sortedKeywords(keywords))
	if err != nil {
		slog.Warn("storing tool result knowledge", "tool", name, "error", err)
		if m := s.deps.Metrics; m != nil {
			m.IncKnowledgeWrite("error")
		}
		return
	}
	if m := s.deps.Metrics; m != nil {
		m.IncKnowledgeWrite("ok")
	}
}

// resultCacheKey hashes the canonical JSON form of the arguments.
// json.Marshal sorts map keys, so equal argument sets hash equally.
func resultCacheKey(name string, args map[string]any) (string, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	h.Write(encoded)
	return fmt.Sprintf("%s:%x", name, h.Sum64()), nil
}

// StartSession opens a session and makes it current for this server.
func (s *Server) StartSession(ctx context.Context, userContext map[string]any) (string, error) {
	if userContext == nil {
		userContext = map[string]any{}
	}
	userContext["domain"] = s.domain
	userContext["server_name"] = s.name

	userID := defaultUserID
	if id, ok := StringArg(userContext, "user_id"); ok && id != "" {
		userID = id
	}

	sessionID, err := s.deps.Sessions.Start(ctx, userID, userContext)
	if err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}

	s.mu.Lock()
	s.currentSession = sessionID
	s.sessionContext = userContext
	s.mu.Unlock()

	slog.Info("session started", "server", s.name, "session_id", sessionID)
	return sessionID, nil
}

// EndSession closes the current session, if any.
func (s *Server) EndSession(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.currentSession
	s.currentSession = ""
	s.sessionContext = make(map[string]any)
	s.mu.Unlock()

	if sessionID == "" {
		return nil
	}
	if err := s.deps.Sessions.End(ctx, sessionID); err != nil {
		return fmt.Errorf("ending session %s: %w", sessionID, err)
	}
	slog.Info("session ended", "server", s.name, "session_id", sessionID)
	return nil
}

// CurrentSession returns the active session id, or empty.
func (s *Server) CurrentSession() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSession
}

// Status reports server health, counters, and collaborator statistics.
func (s *Server) Status() map[string]any {
	s.mu.RLock()
	requests := s.requestCount
	errors := s.errorCount
	current := s.currentSession
	toolNames := append([]string(nil), s.order...)
	s.mu.RUnlock()

	status := map[string]any{
		"server_name":      s.name,
		"domain":           s.domain,
		"status":           "running",
		"uptime_hours":     s.now().Sub(s.startedAt).Hours(),
		"requests_handled": requests,
		"error_rate":       float64(errors) / float64(max(requests, 1)),
		"registered_tools": toolNames,
		"current_session":  current,
	}
	if s.deps.Cache != nil {
		status["cache_stats"] = s.deps.Cache.Stats()
	}
	if s.deps.Detector != nil {
		status["pattern_analytics"] = s.deps.Detector.Snapshot()
	}
	return status
}

func sortedKeywords(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
