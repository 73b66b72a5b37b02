package worker

import "time"

// Backoff computes the retry delay before the given attempt re-runs:
// exponential in the attempt number, capped, and deterministic so the delay
// never decreases as attempts grow.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d < 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
