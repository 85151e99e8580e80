package api

import (
	"context"
	"net/http"

	"github.com/dstanwood/trellis/internal/cache"
)

// CacheAdmin exposes cache maintenance operations.
type CacheAdmin interface {
	Stats() cache.Stats
	InvalidateDomain(ctx context.Context, domain string) (int, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// cacheHandler groups cache admin HTTP handlers.
type cacheHandler struct {
	cache CacheAdmin
}

func newCacheHandler(c CacheAdmin) *cacheHandler {
	return &cacheHandler{cache: c}
}

// GetStats handles GET /api/v1/cache/stats.
func (h *cacheHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// invalidateRequest is the body for POST /api/v1/admin/cache/invalidate.
type invalidateRequest struct {
	Domain string `json:"domain"`
}

// Invalidate handles POST /api/v1/admin/cache/invalidate (admin).
func (h *cacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var input invalidateRequest
	if err := readJSON(r, &input); err != nil || input.Domain == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "domain is required")
		return
	}

	removed, err := h.cache.InvalidateDomain(r.Context(), input.Domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to invalidate cache domain")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":  input.Domain,
		"removed": removed,
	})
}

// Cleanup handles POST /api/v1/admin/cache/cleanup (admin).
func (h *cacheHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := h.cache.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clean up cache")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
