// Package session — SQLite-backed durable store for session state.
//
// SQLiteStore persists sessions and conversation history to a single file.
// It's suitable for single-node deployments; for multi-node HA use
// PostgresStore instead.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore implements the Store interface with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Use ":memory:"
// for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'starting',
			error TEXT NOT NULL DEFAULT '',
			initial_prompt TEXT NOT NULL DEFAULT '',
			worker_context TEXT NOT NULL DEFAULT '',
			capabilities TEXT NOT NULL DEFAULT 'null',
			stats TEXT NOT NULL DEFAULT 'null',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_activity_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT 'null',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, initial_prompt, worker_context, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, orDefault(sess.Status, StatusStarting),
		sess.InitialPrompt, sess.WorkerContext, createdAt, now, now)
	return err
}

func (s *SQLiteStore) UpsertStatus(ctx context.Context, sessionID, status string, extra map[string]any) error {
	now := time.Now().UTC()
	errStr := extraError(extra)
	caps := rawOrNull(extraField(extra, "capabilities"))
	stats := rawOrNull(extraField(extra, "stats"))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, error, capabilities, stats, created_at, updated_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			error=CASE WHEN excluded.error != '' THEN excluded.error ELSE sessions.error END,
			capabilities=CASE WHEN excluded.capabilities != 'null' THEN excluded.capabilities ELSE sessions.capabilities END,
			stats=CASE WHEN excluded.stats != 'null' THEN excluded.stats ELSE sessions.stats END,
			updated_at=excluded.updated_at
	`, sessionID, status, errStr, caps, stats, now, now, now)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, status, error, initial_prompt, worker_context, capabilities, stats, created_at, updated_at, last_activity_at FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	query := `SELECT id, user_id, status, error, initial_prompt, worker_context, capabilities, stats, created_at, updated_at, last_activity_at FROM sessions`
	var args []any
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, m.Type, m.Content, rawOrNull(m.Metadata), createdAt)
	return err
}

func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `SELECT id, session_id, type, content, metadata, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var metadata string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Type, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, err
		}
		if metadata != "null" {
			m.Metadata = json.RawMessage(metadata)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchActivity(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET last_activity_at = ? WHERE id = ?",
		time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// ------------------------------------------------------------------
// Scan helpers
// ------------------------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var caps, stats string

	err := row.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.Error,
		&sess.InitialPrompt, &sess.WorkerContext, &caps, &stats,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivityAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found")
		}
		return nil, err
	}
	if caps != "null" {
		sess.Capabilities = json.RawMessage(caps)
	}
	if stats != "null" {
		sess.Stats = json.RawMessage(stats)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func rawOrNull(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
