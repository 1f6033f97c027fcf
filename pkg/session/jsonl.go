package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileStore is the append-only JSONL session store. Each line is a complete
// JSON record; the file is only ever appended to. A single mutex serializes
// writers; readers are lock-free and observe whole lines, ignoring a partial
// trailing line from an in-flight append.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a JSONL store at path. The file and its parent
// directories are created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the log file location.
func (s *FileStore) Path() string { return s.path }

// Save appends one record line.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}

// Get returns the most recent record for id, or nil when unknown or expired.
func (s *FileStore) Get(_ context.Context, id string) (*Record, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}
	var latest *Record
	for _, r := range records {
		if r.SessionID == id {
			latest = r
		}
	}
	if latest == nil || latest.Expired(time.Now()) {
		return nil, nil
	}
	return latest, nil
}

// List returns visible records, one per session id (latest line wins),
// newest-first by creation time.
func (s *FileStore) List(_ context.Context) ([]*Record, error) {
	records, err := s.readAll()
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*Record, len(records))
	for _, r := range records {
		latest[r.SessionID] = r
	}

	now := time.Now()
	out := make([]*Record, 0, len(latest))
	for _, r := range latest {
		if r.Expired(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created > out[j].Created })
	return out, nil
}

// Close is a no-op; the file is opened per append.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) readAll() ([]*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session log: %w", err)
	}

	var records []*Record
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			// Partial trailing line or corruption; skip it.
			continue
		}
		if r.SessionID == "" {
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := range data {
		if data[i] == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
