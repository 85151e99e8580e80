package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/dstanwood/trellis/internal/costtrack"
)

// UsageService exposes cost accounting queries.
type UsageService interface {
	DailyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
	WeeklyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
	MonthlyUsage(ctx context.Context, serverName string) (*costtrack.UsageSummary, error)
	Report(ctx context.Context, servers []string, days int) (*costtrack.CostReport, error)
	ResetDailyAlerts()
	DailyLimit() float64
	SetDailyLimit(ctx context.Context, serverName string, limit float64) error
}

// usageHandler groups usage and cost HTTP handlers.
type usageHandler struct {
	tracker    UsageService
	serverName string
}

func newUsageHandler(tracker UsageService, serverName string) *usageHandler {
	return &usageHandler{tracker: tracker, serverName: serverName}
}

// GetUsage handles GET /api/v1/usage?period=daily|weekly|monthly.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "daily"
	}

	var (
		summary *costtrack.UsageSummary
		err     error
	)
	switch period {
	case "daily":
		summary, err = h.tracker.DailyUsage(r.Context(), h.serverName)
	case "weekly":
		summary, err = h.tracker.WeeklyUsage(r.Context(), h.serverName)
	case "monthly":
		summary, err = h.tracker.MonthlyUsage(r.Context(), h.serverName)
	default:
		writeError(w, http.StatusBadRequest, "invalid_period", "period must be daily, weekly, or monthly")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server_name": h.serverName,
		"period":      period,
		"daily_limit": h.tracker.DailyLimit(),
		"usage":       summary,
	})
}

// GetReport handles GET /api/v1/admin/usage/report?days=N (admin).
func (h *usageHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	days := 30
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_days", "days must be a positive integer")
			return
		}
		days = parsed
	}

	report, err := h.tracker.Report(r.Context(), []string{h.serverName}, days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ResetAlerts handles POST /api/v1/admin/alerts/reset (admin).
func (h *usageHandler) ResetAlerts(w http.ResponseWriter, r *http.Request) {
	h.tracker.ResetDailyAlerts()
	writeJSON(w, http.StatusOK, map[string]any{"reset": true})
}

// setBudgetRequest is the body for PUT /api/v1/admin/budget.
type setBudgetRequest struct {
	DailyLimit float64 `json:"daily_limit"`
}

// SetBudget handles PUT /api/v1/admin/budget (admin).
func (h *usageHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	var input setBudgetRequest
	if err := readJSON(r, &input); err != nil || input.DailyLimit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "daily_limit must be a positive number")
		return
	}

	if err := h.tracker.SetDailyLimit(r.Context(), h.serverName, input.DailyLimit); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set budget limit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_name": h.serverName,
		"daily_limit": input.DailyLimit,
	})
}
