package utils

import "testing"

func TestRandDigits(t *testing.T) {
	if got := RandDigits(0); got != "" {
		t.Fatalf("RandDigits(0) = %q, want empty", got)
	}
	if got := RandDigits(-1); got != "" {
		t.Fatalf("RandDigits(-1) = %q, want empty", got)
	}

	got := RandDigits(6)
	if len(got) != 6 {
		t.Fatalf("RandDigits(6) length = %d, want 6", len(got))
	}
	for _, r := range got {
		if r < '0' || r > '9' {
			t.Fatalf("RandDigits(6) = %q contains non-digit rune %q", got, r)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("Truncate should not alter strings under the limit, got %q", got)
	}
	if got := Truncate("this is a long string", 7); got != "this is..." {
		t.Fatalf("Truncate(long, 7) = %q, want %q", got, "this is...")
	}
}

func TestTruncate80(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	got := Truncate80(string(long))
	if len(got) != 83 {
		t.Fatalf("Truncate80 length = %d, want 83 (80 chars + ...)", len(got))
	}
}
