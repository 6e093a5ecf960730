package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/agentrelay/pkg/metrics"
)

// writeTimeout bounds each fire-and-forget store write.
const writeTimeout = 5 * time.Second

// AsyncRecorder adapts a Store to the relay's fire-and-forget persistence
// hook. Every call returns immediately; the write happens on its own
// goroutine with a bounded timeout, and a failure is logged and counted but
// never reported back. Message delivery must not depend on the database.
type AsyncRecorder struct {
	store  Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewAsyncRecorder wraps a Store in the async persistence hook.
func NewAsyncRecorder(store Store, logger *slog.Logger) *AsyncRecorder {
	return &AsyncRecorder{store: store, logger: logger}
}

// RecordStatus persists a session status transition.
func (a *AsyncRecorder) RecordStatus(sessionID, status string, extra map[string]any) {
	a.run("record status", sessionID, func(ctx context.Context) error {
		return a.store.UpsertStatus(ctx, sessionID, status, extra)
	})
}

// RecordMessage appends one entry to the session's history.
func (a *AsyncRecorder) RecordMessage(sessionID, msgType, content string, metadata map[string]any) {
	msg := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      msgType,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			msg.Metadata = data
		}
	}
	a.run("record message", sessionID, func(ctx context.Context) error {
		return a.store.AppendMessage(ctx, msg)
	})
}

// TouchActivity bumps the session's last-activity timestamp.
func (a *AsyncRecorder) TouchActivity(sessionID string) {
	a.run("touch activity", sessionID, func(ctx context.Context) error {
		return a.store.TouchActivity(ctx, sessionID)
	})
}

// Flush blocks until all in-flight writes complete. Test helper; the relay
// never waits on persistence.
func (a *AsyncRecorder) Flush() {
	a.wg.Wait()
}

func (a *AsyncRecorder) run(op, sessionID string, fn func(ctx context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			metrics.PersistenceFailures.Inc()
			a.logger.Warn("persistence write failed",
				"op", op, "session_id", sessionID, "error", err)
		}
	}()
}
