package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGo)
)

// SQLiteStore keeps the session log in a single SQLite file. Rows are
// append-only with a monotonically increasing seq; the highest seq per
// session id wins, mirroring the JSONL last-write-wins semantics.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath. Use ":memory:"
// for tests.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
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
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			created INTEGER NOT NULL,
			expires INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			session TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_id ON sessions(session_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save appends a new row for the record.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, prompt, result, created, expires, duration_ms, session)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Status, rec.Prompt, rec.Result, rec.Created, rec.Expires, rec.DurationMS, string(rec.Session),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// Get returns the latest row for id, or nil when unknown or expired.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, prompt, result, created, expires, duration_ms, session
		FROM sessions WHERE session_id = ? ORDER BY seq DESC LIMIT 1`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if rec.Expired(time.Now()) {
		return nil, nil
	}
	return rec, nil
}

// List returns the latest visible row per session id, newest-first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, status, prompt, result, created, expires, duration_ms, session
		FROM sessions WHERE seq IN (SELECT MAX(seq) FROM sessions GROUP BY session_id)
		ORDER BY created DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var sessionJSON string
	if err := row.Scan(&rec.SessionID, &rec.Status, &rec.Prompt, &rec.Result,
		&rec.Created, &rec.Expires, &rec.DurationMS, &sessionJSON); err != nil {
		return nil, err
	}
	if sessionJSON != "" {
		rec.Session = []byte(sessionJSON)
	}
	return &rec, nil
}
