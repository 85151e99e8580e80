package api

import "net/http"

// sessionsHandler manages the server's current session over HTTP.
type sessionsHandler struct {
	server ToolServer
}

func newSessionsHandler(server ToolServer) *sessionsHandler {
	return &sessionsHandler{server: server}
}

// startSessionRequest is the body for POST /api/v1/sessions.
type startSessionRequest struct {
	UserContext map[string]any `json:"user_context"`
}

// StartSession handles POST /api/v1/sessions.
func (h *sessionsHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var input startSessionRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
			return
		}
	}

	sessionID, err := h.server.StartSession(r.Context(), input.UserContext)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID})
}

// EndSession handles DELETE /api/v1/sessions.
func (h *sessionsHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.server.EndSession(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": true})
}
