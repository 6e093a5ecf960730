package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// storeUnderTest runs the conformance suite against every backend that can
// run without external services.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := store.CreateSession(ctx, &Session{
				ID:            "s1",
				UserID:        "alice",
				InitialPrompt: "hello",
			})
			require.NoError(t, err)

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, "alice", got.UserID)
			assert.Equal(t, StatusStarting, got.Status)
			assert.Equal(t, "hello", got.InitialPrompt)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestStore_CreateDuplicateFails(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "dup"}))
			assert.Error(t, store.CreateSession(ctx, &Session{ID: "dup"}))
		})
	}
}

func TestStore_UpsertStatusTransitions(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "s1", UserID: "alice"}))

			caps := map[string]any{"model": "m-1", "workingDir": "/work"}
			require.NoError(t, store.UpsertStatus(ctx, "s1", StatusActive, map[string]any{
				"capabilities": caps,
			}))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status)
			require.NotNil(t, got.Capabilities)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(got.Capabilities, &decoded))
			assert.Equal(t, "m-1", decoded["model"])

			// Errored transition keeps the error string; capabilities survive.
			require.NoError(t, store.UpsertStatus(ctx, "s1", StatusErrored, map[string]any{
				"error": "Container disconnected during startup",
			}))
			got, err = store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, StatusErrored, got.Status)
			assert.Equal(t, "Container disconnected during startup", got.Error)
			assert.NotNil(t, got.Capabilities)
		})
	}
}

func TestStore_UpsertStatusCreatesRow(t *testing.T) {
	// The relay can report status for a session the REST layer never
	// registered (e.g. recovery after restart). Upsert must not fail.
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.UpsertStatus(ctx, "ghost", StatusActive, nil))
			got, err := store.GetSession(ctx, "ghost")
			require.NoError(t, err)
			assert.Equal(t, StatusActive, got.Status)
		})
	}
}

func TestStore_ListSessionsFiltersByUser(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "a1", UserID: "alice"}))
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "b1", UserID: "bob"}))
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "a2", UserID: "alice"}))

			mine, err := store.ListSessions(ctx, "alice")
			require.NoError(t, err)
			assert.Len(t, mine, 2)
			for _, s := range mine {
				assert.Equal(t, "alice", s.UserID)
			}

			all, err := store.ListSessions(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestStore_MessagesRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateSession(ctx, &Session{ID: "s1"}))

			require.NoError(t, store.AppendMessage(ctx, &Message{
				ID: "m1", SessionID: "s1", Type: MessageUser, Content: "hi",
			}))
			require.NoError(t, store.AppendMessage(ctx, &Message{
				ID: "m2", SessionID: "s1", Type: MessageAssistant, Content: "hello",
				Metadata: json.RawMessage(`{"stopReason":"end_turn"}`),
			}))

			msgs, err := store.ListMessages(ctx, "s1", 0)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, MessageUser, msgs[0].Type)
			assert.Equal(t, "hello", msgs[1].Content)
			assert.JSONEq(t, `{"stopReason":"end_turn"}`, string(msgs[1].Metadata))
			assert.Nil(t, msgs[0].Metadata)
		})
	}
}

func TestStore_TouchActivityUnknownSession(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, store.TouchActivity(context.Background(), "missing"))
		})
	}
}

func TestNewStore_Factory(t *testing.T) {
	log := testLogger()

	mem, err := NewStore(StoreConfig{Backend: "memory"}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, mem)

	sq, err := NewStore(StoreConfig{Backend: "sqlite", DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, sq)
	sq.(*SQLiteStore).Close()

	_, err = NewStore(StoreConfig{Backend: "postgres"}, log)
	assert.Error(t, err, "postgres backend without a URL must fail")

	_, err = NewStore(StoreConfig{Backend: "dynamodb"}, log)
	assert.Error(t, err)
}

func TestAsyncRecorder_WritesThrough(t *testing.T) {
	store := NewMemoryStore()
	rec := NewAsyncRecorder(store, testLogger())

	rec.RecordStatus("s1", StatusActive, map[string]any{
		"capabilities": map[string]any{"model": "m-1"},
	})
	rec.RecordMessage("s1", MessageUser, "hello", map[string]any{"k": "v"})
	rec.TouchActivity("s1")
	rec.Flush()

	got, err := store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	msgs, err := store.ListMessages(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.JSONEq(t, `{"k":"v"}`, string(msgs[0].Metadata))
}

func TestAsyncRecorder_FailureDoesNotPanic(t *testing.T) {
	// TouchActivity for a missing session errors inside the store; the
	// recorder must swallow it.
	rec := NewAsyncRecorder(NewMemoryStore(), testLogger())
	rec.TouchActivity("missing")
	rec.Flush()
}
