package utils

import "testing"

func TestTruncateRunes(t *testing.T) {
	if got := TruncateRunes("short", 10); got != "short" {
		t.Fatalf("no-op truncate failed: %q", got)
	}
	if got := TruncateRunes("exact", 5); got != "exact" {
		t.Fatalf("length == n should be untouched: %q", got)
	}
	got := TruncateRunes("ආයුබෝවන් ආයුබෝවන්", 5)
	if r := []rune(got); len(r) != 5 || r[4] != '…' {
		t.Fatalf("rune cap failed: %q (%d runes)", got, len(r))
	}
	if got := TruncateRunes("anything", 0); got != "anything" {
		t.Fatalf("n<=0 should be a no-op: %q", got)
	}
	if got := TruncateRunes("ab", 1); got != "a" {
		t.Fatalf("n==1 edge failed: %q", got)
	}
}
