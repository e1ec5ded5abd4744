package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+24 {
		t.Errorf("WithPrefix = %q", id)
	}
}

func TestSeed_NonZeroAndVaried(t *testing.T) {
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		v := Seed()
		if v == 0 {
			t.Fatal("Seed returned zero")
		}
		seen[v] = true
	}
	if len(seen) < 99 {
		t.Errorf("expected distinct seeds, got %d unique of 100", len(seen))
	}
}
