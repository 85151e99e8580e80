package api

import (
	"net/http"

	"github.com/dstanwood/trellis/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Server   ToolServer
	Tracker  UsageService
	Cache    CacheAdmin
	Metrics  *metrics.Metrics
	AdminKey string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(slogRequestLogger(deps.Metrics))

	// Handlers.
	tools := newToolsHandler(deps.Server)
	sessions := newSessionsHandler(deps.Server)
	usage := newUsageHandler(deps.Tracker, deps.Server.Name())
	cacheAdmin := newCacheHandler(deps.Cache)

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Metrics summary.
	r.Get("/metrics", deps.Metrics.Handler())

	// Public routes.
	r.Get("/api/v1/tools", tools.ListTools)
	r.Post("/api/v1/tools/{name}", tools.InvokeTool)
	r.Get("/api/v1/status", tools.GetStatus)
	r.Get("/api/v1/usage", usage.GetUsage)
	r.Get("/api/v1/cache/stats", cacheAdmin.GetStats)
	r.Post("/api/v1/sessions", sessions.StartSession)
	r.Delete("/api/v1/sessions", sessions.EndSession)

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(adminAuthMiddleware(deps.AdminKey, deps.Metrics))

		ar.Get("/usage/report", usage.GetReport)
		ar.Post("/usage/alerts/reset", usage.ResetAlerts)
		ar.Put("/budget", usage.SetBudget)
		ar.Post("/cache/invalidate", cacheAdmin.Invalidate)
		ar.Post("/cache/cleanup", cacheAdmin.Cleanup)
	})

	return r
}
