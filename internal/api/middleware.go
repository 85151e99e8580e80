package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dstanwood/trellis/internal/metrics"
)

// adminAuthMiddleware requires a Bearer token equal to the configured
// admin key. Comparison is constant time.
func adminAuthMiddleware(adminKey string, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" || adminKey == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(adminKey)) != 1 {
				if m != nil {
					m.IncAuthFailure("admin_key")
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin key")
				return
			}
			if m != nil {
				m.IncAuthSuccess("admin_key")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

// slogRequestLogger is a structured logging middleware using slog that
// also feeds the HTTP request metrics.
func slogRequestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			duration := time.Since(start)

			if m != nil {
				routePattern := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if p := rctx.RoutePattern(); p != "" {
						routePattern = p
					}
				}
				m.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern, strconv.Itoa(ww.Status())).Inc()
				m.HTTPRequestDuration.WithLabelValues(r.Method, routePattern).Observe(duration.Seconds())
			}

			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", duration.Milliseconds(),
				"bytes", ww.BytesWritten(),
			)
		})
	}
}
