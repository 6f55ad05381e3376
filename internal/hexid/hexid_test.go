package hexid

import "testing"

func TestNewShape(t *testing.T) {
	id := New()
	if len(id) != 12 {
		t.Fatalf("len(New()) = %d, want 12: %q", len(id), id)
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("non-hex character %q in %q", c, id)
		}
	}
}

func TestNewDoesNotRepeat(t *testing.T) {
	const n = 2000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("collision after %d ids: %q", i, id)
		}
		seen[id] = struct{}{}
	}
}
