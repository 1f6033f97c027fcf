package trust

import (
	"os"
	"path/filepath"
	"testing"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestStore_MissingFilesAreEmpty(t *testing.T) {
	s := tempStore(t)
	level, err := s.GetLevel("0xabc")
	if err != nil {
		t.Fatalf("GetLevel: %v", err)
	}
	if level != LevelStranger {
		t.Errorf("level = %q, want stranger", level)
	}
}

func TestStore_AddIsIdempotent(t *testing.T) {
	s := tempStore(t)
	for i := 0; i < 3; i++ {
		if err := s.Add(ListContacts, "0xabc"); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	data, err := os.ReadFile(filepath.Join(s.Dir(), string(ListContacts)))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "0xabc\n" {
		t.Errorf("contacts file = %q, want single line", data)
	}
}

func TestStore_CommentsAndBlanksIgnored(t *testing.T) {
	s := tempStore(t)
	content := "# operators\n\n0xaaa\n  0xbbb  \n# end\n"
	os.WriteFile(filepath.Join(s.Dir(), string(ListWhitelist)), []byte(content), 0o600)

	for _, addr := range []string{"0xaaa", "0xbbb"} {
		ok, err := s.Contains(ListWhitelist, addr)
		if err != nil || !ok {
			t.Errorf("Contains(%q) = %v, %v", addr, ok, err)
		}
	}
	if ok, _ := s.Contains(ListWhitelist, "# operators"); ok {
		t.Error("comment line matched")
	}
}

func TestStore_Wildcard(t *testing.T) {
	s := tempStore(t)
	os.WriteFile(filepath.Join(s.Dir(), string(ListBlocklist)), []byte("*badf00d*\n"), 0o600)

	ok, err := s.Contains(ListBlocklist, "0x00badf00d11")
	if err != nil || !ok {
		t.Errorf("wildcard should match: %v, %v", ok, err)
	}
	if ok, _ := s.Contains(ListBlocklist, "0xgood"); ok {
		t.Error("wildcard matched unrelated address")
	}
}

func TestStore_BlockedWins(t *testing.T) {
	s := tempStore(t)
	if err := s.PromoteToWhitelist("0xabc"); err != nil {
		t.Fatalf("PromoteToWhitelist: %v", err)
	}
	if err := s.Block("0xabc"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	level, _ := s.GetLevel("0xabc")
	if level != LevelBlocked {
		t.Errorf("level = %q, want blocked", level)
	}

	// Unblock restores the level implied by other memberships.
	if err := s.Unblock("0xabc"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	level, _ = s.GetLevel("0xabc")
	if level != LevelWhitelist {
		t.Errorf("level after unblock = %q, want whitelist", level)
	}
}

func TestStore_DemoteLandsOnContact(t *testing.T) {
	s := tempStore(t)
	s.PromoteToWhitelist("0xabc")
	if err := s.Demote("0xabc"); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	level, _ := s.GetLevel("0xabc")
	if level != LevelContact {
		t.Errorf("level = %q, want contact", level)
	}
}

func TestStore_RemoveAbsentIsNoop(t *testing.T) {
	s := tempStore(t)
	if err := s.Remove(ListContacts, "0xmissing"); err != nil {
		t.Errorf("Remove on absent: %v", err)
	}
}

func TestStore_IsAdmin(t *testing.T) {
	s := tempStore(t)
	if ok, _ := s.IsAdmin("0xabc"); ok {
		t.Error("unexpected admin")
	}
	s.Add(ListAdmins, "0xabc")
	if ok, _ := s.IsAdmin("0xabc"); !ok {
		t.Error("admin not recognized")
	}
}
