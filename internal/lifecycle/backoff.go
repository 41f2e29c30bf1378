package lifecycle

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the wait before retry attempt n:
// min(base * multiplier^(n-1), max). With Jitter enabled the delay is spread
// over [delay/2, delay] so a burst of failures does not retry in lockstep.
func backoffDelay(b Backoff, attempt int) time.Duration {
	if attempt <= 0 {
		return b.Base
	}
	exp := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	delay := time.Duration(exp)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if delay < 0 {
		// overflow on large attempts
		delay = b.Max
	}
	if b.Jitter && delay > 1 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)))
	}
	return delay
}
