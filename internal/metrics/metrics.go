package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Trellis server.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tool dispatch metrics.
	ToolInvocationsTotal  *prometheus.CounterVec
	ToolDuration          *prometheus.HistogramVec
	ToolActiveInvocations *prometheus.GaugeVec

	// Cache metrics.
	CacheOperationsTotal *prometheus.CounterVec

	// Budget and pattern metrics.
	BudgetAlertsTotal      *prometheus.CounterVec
	PatternDetectionsTotal *prometheus.CounterVec

	// Knowledge write-back metrics.
	KnowledgeWritesTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_tool_invocations_total",
			Help: "Total number of tool invocations.",
		}, []string{"tool", "status"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_tool_duration_seconds",
			Help:    "Tool handler duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),

		ToolActiveInvocations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trellis_tool_active_invocations",
			Help: "Number of currently executing tool invocations.",
		}, []string{"tool"}),

		CacheOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_cache_operations_total",
			Help: "Total number of cache operations by outcome.",
		}, []string{"operation", "outcome"}),

		BudgetAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_budget_alerts_total",
			Help: "Total number of budget threshold alerts raised.",
		}, []string{"threshold"}),

		PatternDetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_pattern_detections_total",
			Help: "Total number of cross-domain pattern detections.",
		}, []string{"pattern"}),

		KnowledgeWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_knowledge_writes_total",
			Help: "Total number of knowledge write-backs from tool results.",
		}, []string{"status"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "trellis_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ToolInvocationsTotal,
		m.ToolDuration,
		m.ToolActiveInvocations,
		m.CacheOperationsTotal,
		m.BudgetAlertsTotal,
		m.PatternDetectionsTotal,
		m.KnowledgeWritesTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncToolInvocation increments the invocation counter for a tool.
func (m *Metrics) IncToolInvocation(tool, status string) {
	m.ToolInvocationsTotal.WithLabelValues(tool, status).Inc()
}

// ObserveToolDuration records the handler duration for a tool.
func (m *Metrics) ObserveToolDuration(tool string, seconds float64) {
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// IncActiveInvocations increments the active invocations gauge for a tool.
func (m *Metrics) IncActiveInvocations(tool string) {
	m.ToolActiveInvocations.WithLabelValues(tool).Inc()
}

// DecActiveInvocations decrements the active invocations gauge for a tool.
func (m *Metrics) DecActiveInvocations(tool string) {
	m.ToolActiveInvocations.WithLabelValues(tool).Dec()
}

// IncCacheOperation increments the cache operation counter.
func (m *Metrics) IncCacheOperation(operation, outcome string) {
	m.CacheOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncBudgetAlert increments the budget alert counter for a threshold.
func (m *Metrics) IncBudgetAlert(threshold float64) {
	m.BudgetAlertsTotal.WithLabelValues(fmt.Sprintf("%.0f%%", threshold*100)).Inc()
}

// IncPatternDetection increments the pattern detection counter.
func (m *Metrics) IncPatternDetection(pattern string) {
	m.PatternDetectionsTotal.WithLabelValues(pattern).Inc()
}

// IncKnowledgeWrite increments the knowledge write-back counter.
func (m *Metrics) IncKnowledgeWrite(status string) {
	m.KnowledgeWritesTotal.WithLabelValues(status).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
