package statestore

import "testing"

func TestRingFIFOEviction(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Append(i)
	}

	if got := r.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}

func TestRingTail(t *testing.T) {
	r := newRing[int](5)
	for i := 1; i <= 4; i++ {
		r.Append(i)
	}

	tests := []struct {
		n    int
		want []int
	}{
		{2, []int{3, 4}},
		{4, []int{1, 2, 3, 4}},
		{10, []int{1, 2, 3, 4}},
		{0, nil},
	}
	for _, tt := range tests {
		got := r.Tail(tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("Tail(%d) = %v, want %v", tt.n, got, tt.want)
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Fatalf("Tail(%d) = %v, want %v", tt.n, got, tt.want)
			}
		}
	}
}

func TestRingClear(t *testing.T) {
	r := newRing[int](3)
	r.Append(1)
	r.Append(2)
	r.Clear()

	if got := r.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
	if got := r.Snapshot(); len(got) != 0 {
		t.Fatalf("Snapshot() after Clear = %v, want empty", got)
	}
}
