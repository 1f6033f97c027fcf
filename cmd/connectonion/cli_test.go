package main

import "testing"

func TestNormalizeList(t *testing.T) {
	got := normalizeList([]string{"0xABC*", "0xDEF123", "*suffix"})
	want := []string{"0xabc*", "0xdef123", "*suffix"}
	if len(got) != len(want) {
		t.Fatalf("normalizeList = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}
