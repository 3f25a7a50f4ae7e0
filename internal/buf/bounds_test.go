package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxInt64, 1); ok {
		t.Fatalf("expected overflow when adding to MaxInt64")
	}
	if _, ok := AddOverflowSafe(math.MinInt64, -1); ok {
		t.Fatalf("expected underflow when subtracting from MinInt64")
	}
}

func TestInRangeBoundaries(t *testing.T) {
	const size = 16
	cases := []struct {
		off, n int64
		want   bool
	}{
		{0, 0, true},
		{0, 16, true},
		{15, 1, true},
		{16, 0, true},
		{16, 1, false},
		{15, 2, false},
		{-1, 1, false},
		{0, -1, false},
		{math.MaxInt64, 1, false},
	}
	for _, c := range cases {
		if got := InRange(size, c.off, c.n); got != c.want {
			t.Fatalf("InRange(%d,%d,%d)=%v want %v", size, c.off, c.n, got, c.want)
		}
	}
}
