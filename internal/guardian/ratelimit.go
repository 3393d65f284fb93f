package guardian

import (
	"sync"
	"time"
)

// rateLimiter implements a sliding-window message rate limit per source.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
}

// newRateLimiter creates a rate limiter. If limit <= 0, observe never
// reports a violation.
func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
	}
}

// observe records one message from the source at now and reports whether
// the source exceeded the per-window cap. Every message counts toward
// the window, including ones over the cap.
func (rl *rateLimiter) observe(source string, now time.Time) bool {
	if rl.limit <= 0 {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-rl.window)
	timestamps := rl.counters[source]
	pruned := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	rl.counters[source] = append(pruned, now)
	return len(pruned) >= rl.limit
}
