package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dstanwood/trellis/internal/knowledge"
)

// registerStandardTools installs the tools every domain server exposes.
func (s *Server) registerStandardTools() {
	s.MustRegister(
		Tool{
			Name:        "search_knowledge",
			Description: "Search the knowledge base across domains",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
					"domains": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Domains to search (optional)",
					},
					"limit": map[string]any{"type": "integer", "default": 10, "description": "Max results"},
				},
				"required": []any{"query"},
			},
			Handler: s.handleKnowledgeSearch,
		},
		Tool{
			Name:        "get_pattern_insights",
			Description: "Get intelligent pattern-based suggestions",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"context": map[string]any{"type": "string", "description": "Current context or query"},
				},
				"required": []any{"context"},
			},
			Handler: s.handlePatternInsights,
		},
		Tool{
			Name:        "update_session_context",
			Description: "Update session context with new information",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"context_update": map[string]any{
						"type":        "object",
						"description": "Context data to add or update",
					},
					"conversation_entry": map[string]any{
						"type":        "object",
						"description": "Conversation entry to log",
					},
				},
				"required": []any{"context_update"},
			},
			Handler: s.handleSessionUpdate,
		},
		Tool{
			Name:        "get_usage_stats",
			Description: "Get API usage and cost statistics",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"period": map[string]any{
						"type":    "string",
						"enum":    []any{"daily", "weekly", "monthly"},
						"default": "daily",
					},
				},
			},
			Handler: s.handleUsageStats,
		},
	)
}

func (s *Server) handleKnowledgeSearch(ctx context.Context, args map[string]any) (any, error) {
	query, ok := StringArg(args, "query")
	if !ok || query == "" {
		return nil, fmt.Errorf("query is required")
	}
	domains, ok := StringSliceArg(args, "domains")
	if !ok || len(domains) == 0 {
		domains = []string{s.domain}
	}
	limit, ok := IntArg(args, "limit")
	if !ok || limit <= 0 {
		limit = 10
	}

	results, err := s.deps.Knowledge.SearchKnowledge(ctx, knowledge.SearchQuery{
		Domains:  domains,
		Keywords: strings.Fields(strings.ToLower(query)),
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}

	return map[string]any{
		"query":            query,
		"domains_searched": domains,
		"results_count":    len(results),
		"results":          results,
	}, nil
}

func (s *Server) handlePatternInsights(ctx context.Context, args map[string]any) (any, error) {
	contextStr, ok := StringArg(args, "context")
	if !ok || contextStr == "" {
		return nil, fmt.Errorf("context is required")
	}

	suggestions, err := s.deps.Detector.Suggestions(ctx, s.domain)
	if err != nil {
		return nil, fmt.Errorf("loading pattern suggestions: %w", err)
	}

	insights, err := s.deps.Cache.CrossDomainSuggestions(ctx, s.domain)
	if err != nil {
		return nil, fmt.Errorf("loading cross-domain insights: %w", err)
	}

	return map[string]any{
		"context":               contextStr,
		"pattern_suggestions":   suggestions,
		"cross_domain_insights": insights,
		"generated_at":          s.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Server) handleSessionUpdate(ctx context.Context, args map[string]any) (any, error) {
	update, ok := MapArg(args, "context_update")
	if !ok {
		return nil, fmt.Errorf("context_update is required")
	}
	entry, _ := MapArg(args, "conversation_entry")

	s.mu.Lock()
	for k, v := range update {
		s.sessionContext[k] = v
	}
	sessionID := s.currentSession
	activeDomains := []string{s.domain}
	if doms, ok := s.sessionContext["active_domains"].([]any); ok {
		activeDomains = activeDomains[:0]
		for _, d := range doms {
			if str, ok := d.(string); ok {
				activeDomains = append(activeDomains, str)
			}
		}
	}
	snapshot := make(map[string]any, len(s.sessionContext))
	for k, v := range s.sessionContext {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if sessionID == "" {
		var err error
		sessionID, err = s.deps.Sessions.Start(ctx, defaultUserID, snapshot)
		if err != nil {
			return nil, fmt.Errorf("starting session: %w", err)
		}
		s.mu.Lock()
		s.currentSession = sessionID
		s.mu.Unlock()
	} else {
		if err := s.deps.Sessions.UpdateContext(ctx, sessionID, update, entry); err != nil {
			return nil, fmt.Errorf("updating session context: %w", err)
		}
	}

	return map[string]any{
		"session_id":      sessionID,
		"context_updated": true,
		"active_domains":  activeDomains,
	}, nil
}

func (s *Server) handleUsageStats(ctx context.Context, args map[string]any) (any, error) {
	period, ok := StringArg(args, "period")
	if !ok || period == "" {
		period = "daily"
	}

	var (
		summary any
		err     error
	)
	switch period {
	case "daily":
		summary, err = s.deps.Tracker.DailyUsage(ctx, s.name)
	case "weekly":
		summary, err = s.deps.Tracker.WeeklyUsage(ctx, s.name)
	case "monthly":
		summary, err = s.deps.Tracker.MonthlyUsage(ctx, s.name)
	default:
		return nil, fmt.Errorf("unknown period %q", period)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s usage: %w", period, err)
	}

	s.mu.RLock()
	requests := s.requestCount
	errors := s.errorCount
	s.mu.RUnlock()

	stats := map[string]any{
		"period":           period,
		"usage":            summary,
		"server_name":      s.name,
		"domain":           s.domain,
		"requests_handled": requests,
		"errors":           errors,
		"uptime_hours":     s.now().Sub(s.startedAt).Hours(),
	}
	if s.deps.Cache != nil {
		stats["cache_stats"] = s.deps.Cache.Stats()
	}
	return stats, nil
}
