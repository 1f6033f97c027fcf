package session

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// StoreConfig holds the parameters needed to create a session store backend.
type StoreConfig struct {
	Backend     string // "jsonl" (default), "sqlite", "postgres"
	DataDir     string // base state directory (used for default file paths)
	JSONLPath   string // explicit JSONL path (overrides DataDir default)
	SQLitePath  string // explicit SQLite path (overrides DataDir default)
	PostgresDSN string // PostgreSQL connection string
}

// NewStore creates the appropriate Store implementation based on config.
//
// Backends:
//   - "jsonl"    — append-only JSON Lines file (default)
//   - "sqlite"   — single-file durable store
//   - "postgres" — PostgreSQL store for hosts that already run one
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "jsonl":
		path := cfg.JSONLPath
		if path == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("jsonl store requires jsonl_path or data_dir")
			}
			path = filepath.Join(cfg.DataDir, "sessions.jsonl")
		}
		logger.Info("session store: using JSONL backend", "path", path)
		return NewFileStore(path), nil

	case "sqlite":
		dbPath := cfg.SQLitePath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, fmt.Errorf("sqlite store requires sqlite_path or data_dir")
			}
			dbPath = filepath.Join(cfg.DataDir, "sessions.db")
		}
		logger.Info("session store: using SQLite backend", "path", dbPath)
		return NewSQLiteStore(dbPath)

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres store requires a connection string")
		}
		logger.Info("session store: using PostgreSQL backend")
		return NewPostgresStore(cfg.PostgresDSN)

	default:
		return nil, fmt.Errorf("unknown session store backend: %q (supported: jsonl, sqlite, postgres)", cfg.Backend)
	}
}
