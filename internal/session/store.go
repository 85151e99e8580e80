package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for user sessions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Start creates a new active session for the given user and returns its id.
func (s *Store) Start(ctx context.Context, userID string, initialContext map[string]any) (string, error) {
	if initialContext == nil {
		initialContext = map[string]any{}
	}
	ctxJSON, err := json.Marshal(initialContext)
	if err != nil {
		return "", fmt.Errorf("encoding session context: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO user_sessions (user_id, context_data, conversation_history, active_domains)
		 VALUES ($1, $2, '[]', '{}')
		 RETURNING id`,
		userID, ctxJSON,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}
	return id, nil
}

// UpdateContext merges update into the session's context data and, when
// entry is non-nil, appends a timestamped conversation entry.
func (s *Store) UpdateContext(ctx context.Context, sessionID string, update map[string]any, entry map[string]any) error {
	updateJSON, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encoding context update: %w", err)
	}

	if entry == nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE user_sessions
			 SET context_data = context_data || $2
			 WHERE id = $1 AND is_active`,
			sessionID, updateJSON,
		)
		if err != nil {
			return fmt.Errorf("updating session context: %w", err)
		}
		return nil
	}

	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding conversation entry: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE user_sessions
		 SET context_data = context_data || $2,
		     conversation_history = conversation_history || $3::jsonb
		 WHERE id = $1 AND is_active`,
		sessionID, updateJSON, entryJSON,
	)
	if err != nil {
		return fmt.Errorf("updating session context: %w", err)
	}
	return nil
}

// Get returns the session with the given id.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{}
	var ctxJSON, histJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, session_start, session_end, context_data,
		        conversation_history, active_domains, is_active
		 FROM user_sessions
		 WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.UserID, &sess.SessionStart, &sess.SessionEnd,
		&ctxJSON, &histJSON, &sess.ActiveDomains, &sess.IsActive)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	if err := json.Unmarshal(ctxJSON, &sess.ContextData); err != nil {
		return nil, fmt.Errorf("decoding session context: %w", err)
	}
	if err := json.Unmarshal(histJSON, &sess.ConversationHistory); err != nil {
		return nil, fmt.Errorf("decoding conversation history: %w", err)
	}
	return sess, nil
}

// End marks the session inactive and stamps its end time.
func (s *Store) End(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE user_sessions
		 SET is_active = false, session_end = now()
		 WHERE id = $1 AND is_active`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	return nil
}
