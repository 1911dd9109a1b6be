package util

import (
	"math/rand"
	"time"
)

// Backoff computes the sleep time before retry attempt n (0-based),
// doubling from base up to max with up to 20% jitter.
func Backoff(n int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(n)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
