package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig selects and configures a persistence backend.
type StoreConfig struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string
	// DataDir holds the default SQLite database file when SQLitePath is
	// empty.
	DataDir string
	// SQLitePath overrides the SQLite database location.
	SQLitePath string
	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string
}

// NewStore creates a Store for the configured backend. An empty backend
// defaults to memory.
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Info("using in-memory session store (no persistence)")
		return NewMemoryStore(), nil

	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "sessions.db")
		}
		store, err := NewSQLiteStore(path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		logger.Info("using sqlite session store", "path", path)
		return store, nil

	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires a connection URL")
		}
		store, err := NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("using postgres session store")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q (want memory, sqlite, or postgres)", cfg.Backend)
	}
}
