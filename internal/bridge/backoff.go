package bridge

import "time"

// RetryDelay computes the job-level re-arm delay for attempt n (1-based):
// min(base * 2^(n-1), cap). Deterministic given n so scheduling behavior is
// reproducible.
func RetryDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
