package session

import "time"

// Session tracks a user conversation and the context it accumulates.
type Session struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"user_id"`
	SessionStart        time.Time        `json:"session_start"`
	SessionEnd          *time.Time       `json:"session_end,omitempty"`
	ContextData         map[string]any   `json:"context_data"`
	ConversationHistory []map[string]any `json:"conversation_history"`
	ActiveDomains       []string         `json:"active_domains"`
	IsActive            bool             `json:"is_active"`
}
