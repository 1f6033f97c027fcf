// Package trust implements the host's multi-level trust policy: file-backed
// identity lists, a policy document with fast rules, optional LLM
// escalation, and onboarding (invite codes, payment verification).
//
// Design principles (same as the fleet RBAC layer this grew out of):
//   - Deny by default: no rule match and no default = denied
//   - blocked is sticky: it overrides every allow
//   - No in-memory caches: files are re-read on demand so admin actions
//     become visible to the next request
package trust

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Level is a caller's trust level, derived from file membership.
type Level string

const (
	LevelStranger  Level = "stranger"
	LevelContact   Level = "contact"
	LevelWhitelist Level = "whitelist"
	LevelBlocked   Level = "blocked"
)

// List names the trust store files under the store directory.
type List string

const (
	ListContacts  List = "contacts.txt"
	ListWhitelist List = "whitelist.txt"
	ListBlocklist List = "blocklist.txt"
	ListAdmins    List = "admins.txt"
)

// Store is the file-backed set of identities grouped by level. Files are
// newline-delimited; lines starting with # and blank lines are ignored; a
// line containing * is a wildcard matched with contains semantics.
type Store struct {
	dir string
	mu  sync.Mutex // serializes writes; reads are unlocked
}

// NewStore creates a trust store rooted at dir. Missing files are treated as
// empty sets.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(list List) string {
	return filepath.Join(s.dir, string(list))
}

func (s *Store) readLines(list List) ([]string, error) {
	data, err := os.ReadFile(s.path(list))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", list, err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Contains reports whether address is in the given list. Comparison is
// case-sensitive; wildcard lines match when the remaining substring occurs
// anywhere in the address.
func (s *Store) Contains(list List, address string) (bool, error) {
	lines, err := s.readLines(list)
	if err != nil {
		return false, err
	}
	for _, line := range lines {
		if strings.Contains(line, "*") {
			if pattern := strings.ReplaceAll(line, "*", ""); strings.Contains(address, pattern) {
				return true, nil
			}
			continue
		}
		if line == address {
			return true, nil
		}
	}
	return false, nil
}

// Add appends address to the list. Idempotent: a no-op if already present.
func (s *Store) Add(list List, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	present, err := s.Contains(list, address)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create trust dir: %w", err)
	}
	f, err := os.OpenFile(s.path(list), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", list, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, address); err != nil {
		return fmt.Errorf("write %s: %w", list, err)
	}
	return nil
}

// Remove deletes address from the list. A no-op if absent.
func (s *Store) Remove(list List, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(list))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", list, err)
	}

	var kept []string
	removed := false
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == address {
			removed = true
			continue
		}
		kept = append(kept, line)
	}
	if !removed {
		return nil
	}
	if err := os.WriteFile(s.path(list), []byte(strings.Join(kept, "\n")), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", list, err)
	}
	return nil
}

// GetLevel derives the trust level for an address. blocked wins over
// everything else; otherwise the highest matching list decides.
func (s *Store) GetLevel(address string) (Level, error) {
	for _, check := range []struct {
		list  List
		level Level
	}{
		{ListBlocklist, LevelBlocked},
		{ListWhitelist, LevelWhitelist},
		{ListContacts, LevelContact},
	} {
		ok, err := s.Contains(check.list, address)
		if err != nil {
			return "", err
		}
		if ok {
			return check.level, nil
		}
	}
	return LevelStranger, nil
}

// PromoteToContact adds the address to contacts.
func (s *Store) PromoteToContact(address string) error {
	return s.Add(ListContacts, address)
}

// PromoteToWhitelist adds the address to the whitelist (and to contacts, so
// a later demotion lands on contact rather than stranger).
func (s *Store) PromoteToWhitelist(address string) error {
	if err := s.Add(ListContacts, address); err != nil {
		return err
	}
	return s.Add(ListWhitelist, address)
}

// Demote removes the address from the whitelist, leaving contact membership
// intact.
func (s *Store) Demote(address string) error {
	return s.Remove(ListWhitelist, address)
}

// Block adds the address to the blocklist. Membership in other lists is left
// alone; blocked is evaluated first so it wins regardless.
func (s *Store) Block(address string) error {
	return s.Add(ListBlocklist, address)
}

// Unblock removes the address from the blocklist, restoring whatever level
// its other memberships imply.
func (s *Store) Unblock(address string) error {
	return s.Remove(ListBlocklist, address)
}

// IsAdmin reports whether the address is in the admins list.
func (s *Store) IsAdmin(address string) (bool, error) {
	return s.Contains(ListAdmins, address)
}
