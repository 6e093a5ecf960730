// Package session provides durable storage for coding-agent sessions and
// their conversation history, behind a pluggable Store backend.
//
// Backends: MemoryStore (dev/test), SQLiteStore (single-node production),
// PostgresStore (multi-node production). The relay never talks to a Store
// directly; it goes through the fire-and-forget AsyncRecorder so a slow or
// failing database can never stall message ingress.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// Status values persisted for a session.
const (
	StatusStarting = "starting"
	StatusActive   = "active"
	StatusStopped  = "stopped"
	StatusErrored  = "errored"
)

// Message types persisted in a session's history.
const (
	MessageUser               = "user"
	MessageAssistant          = "assistant"
	MessageSystem             = "system"
	MessageToolUse            = "tool_use"
	MessagePermissionRequest  = "permission_request"
	MessagePermissionResponse = "permission_response"
)

// Session is one persisted coding-agent session.
type Session struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	Error          string          `json:"error,omitempty"`
	InitialPrompt  string          `json:"initial_prompt,omitempty"`
	WorkerContext  string          `json:"worker_context,omitempty"`
	Capabilities   json.RawMessage `json:"capabilities,omitempty"`
	Stats          json.RawMessage `json:"stats,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
}

// Message is one persisted history entry.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store is the persistence interface for session state.
//
// UpsertStatus recognizes three extra keys: "error" (string), "capabilities"
// and "stats" (any JSON-marshalable value). Unknown keys are ignored so the
// caller can evolve independently of the schema.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	UpsertStatus(ctx context.Context, sessionID, status string, extra map[string]any) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)

	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	TouchActivity(ctx context.Context, sessionID string) error
}

// extraField extracts one "extra" value as marshaled JSON, or nil.
func extraField(extra map[string]any, key string) json.RawMessage {
	if extra == nil {
		return nil
	}
	v, ok := extra[key]
	if !ok {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// extraError extracts the "error" extra as a string, or "".
func extraError(extra map[string]any) string {
	if extra == nil {
		return ""
	}
	if s, ok := extra["error"].(string); ok {
		return s
	}
	return ""
}
