package idgen

import (
	"strings"
	"testing"
)

func TestNanoID_Length(t *testing.T) {
	for _, length := range []int{8, 12, 16, 24} {
		gen := NanoID(length)
		id := gen()
		if len(id) != length {
			t.Fatalf("NanoID(%d): got length %d", length, len(id))
		}
	}
}

func TestNanoID_Alphabet(t *testing.T) {
	id := NanoID(100)()
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')) {
			t.Fatalf("NanoID: unexpected character %q in %q", c, id)
		}
	}
}

func TestNanoID_Uniqueness(t *testing.T) {
	gen := NanoID(12)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("NanoID: duplicate at iteration %d: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts in %q", id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestSession_Prefix(t *testing.T) {
	id := Session()
	if !strings.HasPrefix(id, "ses_") || len(id) != 4+36 {
		t.Fatalf("Session: got %q", id)
	}
	if got, err := Parse(id); err != nil || got != id {
		t.Fatalf("Parse(%q) = %q, %v", id, got, err)
	}
}

func TestRequest_Prefix(t *testing.T) {
	id := Request()
	if !strings.HasPrefix(id, "req_") || len(id) != 4+12 {
		t.Fatalf("Request: got %q", id)
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("tab-")
	if a, b := gen(), gen(); a != "tab-1" || b != "tab-2" {
		t.Fatalf("Sequence: got %q, %q", a, b)
	}
}

func TestParse_Bare(t *testing.T) {
	raw := UUIDv7()()
	got, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got != "ses_"+raw {
		t.Fatalf("Parse: got %q", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("ses_not-a-uuid"); err == nil {
		t.Fatal("Parse: expected error for invalid id")
	}
}
