// Package session persists agent invocation results so clients that
// disconnected mid-run can recover them later.
//
// The default backend is an append-only JSONL log: records are never
// rewritten in place, the most recent line for a session id wins, and expiry
// gates visibility rather than deleting data. SQLite and Postgres backends
// implement the same semantics for deployments that prefer a database.
package session

import (
	"context"
	"encoding/json"
	"time"
)

// Status of a session record.
const (
	StatusRunning = "running"
	StatusDone    = "done"
)

// Record is one row in the session log.
type Record struct {
	SessionID  string          `json:"session_id"`
	Status     string          `json:"status"`
	Prompt     string          `json:"prompt"`
	Result     string          `json:"result,omitempty"`
	Created    int64           `json:"created"`
	Expires    int64           `json:"expires,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	Session    json.RawMessage `json:"session,omitempty"`
}

// Expired reports whether the record is invisible to reads. Running records
// never expire: a long job must stay reachable until it finishes and is
// re-saved as done.
func (r *Record) Expired(now time.Time) bool {
	if r.Status == StatusRunning {
		return false
	}
	return r.Expires > 0 && r.Expires < now.Unix()
}

// Store is the session persistence interface. Saves are last-write-wins per
// session id; Get and List never return expired non-running records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Close() error
}
