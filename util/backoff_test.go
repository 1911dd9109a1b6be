package util

import (
	"testing"
	"time"
)

func TestBackoffGrows(t *testing.T) {
	base := 10 * time.Millisecond
	max := 500 * time.Millisecond

	prevCeiling := time.Duration(0)
	for n := 0; n < 5; n++ {
		d := Backoff(n, base, max)
		ceiling := (base << uint(n)) * 6 / 5
		if d < base<<uint(n) || d > ceiling {
			t.Fatalf("attempt %d backoff %v outside [%v, %v]", n, d, base<<uint(n), ceiling)
		}
		if ceiling <= prevCeiling {
			t.Fatalf("backoff ceiling not growing at attempt %d", n)
		}
		prevCeiling = ceiling
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond
	for n := 3; n < 40; n++ {
		d := Backoff(n, base, max)
		if d < max || d > max*6/5 {
			t.Fatalf("attempt %d backoff %v not capped near %v", n, d, max)
		}
	}
}

func TestBackoffZeroBase(t *testing.T) {
	if d := Backoff(0, 0, time.Second); d <= 0 {
		t.Fatalf("backoff with zero base = %v", d)
	}
}
