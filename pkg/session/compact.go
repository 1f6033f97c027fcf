package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/adhocore/gronx"
)

// Compact rewrites the JSONL log keeping only the latest line per session id
// and dropping expired non-running records. The rewrite goes through a temp
// file and an atomic rename; readers either see the old file or the new one.
//
// Compaction changes nothing observable: every record visible before is
// visible after with identical content.
func (s *FileStore) Compact(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	latest := make(map[string]*Record, len(records))
	for _, r := range records {
		latest[r.SessionID] = r
	}

	now := time.Now()
	keep := make([]*Record, 0, len(latest))
	for _, r := range latest {
		if r.Expired(now) {
			continue
		}
		keep = append(keep, r)
	}
	sort.Slice(keep, func(i, j int) bool { return keep[i].Created < keep[j].Created })

	tmp := s.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open compact temp: %w", err)
	}
	for _, r := range keep {
		data, err := json.Marshal(r)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal record: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write compact temp: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// Compactor runs Compact on a cron schedule.
type Compactor struct {
	store    *FileStore
	schedule string
	logger   *slog.Logger
}

// NewCompactor validates the cron expression and returns a compactor.
func NewCompactor(store *FileStore, schedule string, logger *slog.Logger) (*Compactor, error) {
	if !gronx.New().IsValid(schedule) {
		return nil, fmt.Errorf("invalid compact schedule %q", schedule)
	}
	return &Compactor{store: store, schedule: schedule, logger: logger}, nil
}

// Run checks the schedule once a minute until ctx is done.
func (c *Compactor) Run(ctx context.Context) {
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := gron.IsDue(c.schedule, time.Now())
			if err != nil || !due {
				continue
			}
			if err := c.store.Compact(ctx); err != nil {
				c.logger.Warn("session log compaction failed", "error", err)
			} else {
				c.logger.Debug("session log compacted", "path", c.store.Path())
			}
		}
	}
}
