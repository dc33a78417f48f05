package sandbox

import (
	"strings"
	"testing"
)

func TestRingReturnsEmptyStringBeforeAnyWrite(t *testing.T) {
	r := NewRing(16)
	if r.String() != "" {
		t.Fatalf("expected empty ring, got %q", r.String())
	}
}

func TestRingReturnsWrittenDataWithinCapacity(t *testing.T) {
	r := NewRing(16)
	r.WriteString("hello")
	if r.String() != "hello" {
		t.Fatalf("expected %q, got %q", "hello", r.String())
	}
}

func TestRingEvictsOldestBytesWhenOverCapacity(t *testing.T) {
	r := NewRing(4)
	r.WriteString("abcdef")
	got := r.String()
	if len(got) != 4 {
		t.Fatalf("expected ring to cap at 4 bytes, got %d (%q)", len(got), got)
	}
	if got != "cdef" {
		t.Fatalf("expected the most recent 4 bytes %q, got %q", "cdef", got)
	}
}

func TestRingHandlesManySmallWritesPastCapacity(t *testing.T) {
	r := NewRing(5)
	for i := 0; i < 10; i++ {
		r.WriteString(strings.Repeat("x", 1))
	}
	if len(r.String()) != 5 {
		t.Fatalf("expected ring to stay capped at 5 bytes, got %d", len(r.String()))
	}
}

func TestNewRingDefaultsNonPositiveSize(t *testing.T) {
	r := NewRing(0)
	if r.size != 16*1024 {
		t.Fatalf("expected default size for non-positive input, got %d", r.size)
	}
}
