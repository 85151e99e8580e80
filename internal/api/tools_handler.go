package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dstanwood/trellis/internal/dispatch"
)

// ToolServer is the dispatch surface the API exposes over HTTP.
type ToolServer interface {
	Name() string
	Domain() string
	Tools() []dispatch.ToolInfo
	Invoke(ctx context.Context, name string, args map[string]any) (*dispatch.Invocation, error)
	Status() map[string]any
	StartSession(ctx context.Context, userContext map[string]any) (string, error)
	EndSession(ctx context.Context) error
}

// toolsHandler groups tool-related HTTP handlers.
type toolsHandler struct {
	server ToolServer
}

func newToolsHandler(server ToolServer) *toolsHandler {
	return &toolsHandler{server: server}
}

// ListTools handles GET /api/v1/tools.
func (h *toolsHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	tools := h.server.Tools()
	writeJSON(w, http.StatusOK, map[string]any{
		"server": h.server.Name(),
		"domain": h.server.Domain(),
		"count":  len(tools),
		"tools":  tools,
	})
}

// invokeRequest is the body for POST /api/v1/tools/{name}.
type invokeRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// InvokeTool handles POST /api/v1/tools/{name}.
func (h *toolsHandler) InvokeTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "invalid_name", "tool name is required")
		return
	}

	var input invokeRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
			return
		}
	}

	inv, err := h.server.Invoke(r.Context(), name, input.Arguments)
	if err != nil {
		if errors.Is(err, dispatch.ErrToolNotFound) {
			writeError(w, http.StatusNotFound, "tool_not_found", "no such tool: "+name)
			return
		}
		var execErr *dispatch.ExecutionError
		if errors.As(err, &execErr) {
			writeError(w, http.StatusUnprocessableEntity, "execution_error", execErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "tool invocation failed")
		return
	}

	writeJSON(w, http.StatusOK, inv)
}

// GetStatus handles GET /api/v1/status.
func (h *toolsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.server.Status())
}
