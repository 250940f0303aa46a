package slackbot

import (
	"sync"
	"time"
)

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// rateLimiter allows at most limit messages per sender per rateWindow.
// A non-positive limit allows everything.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu          sync.Mutex
	senderTimes map[string][]time.Time
	lastCleanup time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:       limit,
		now:         time.Now,
		senderTimes: make(map[string][]time.Time),
	}
}

// allow reports whether senderID is within the limit and, if so,
// records the message.
func (r *rateLimiter) allow(senderID string) bool {
	if r.limit <= 0 {
		return true
	}

	now := r.now()
	cutoff := now.Add(-rateWindow)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.maybeCleanupLocked(now)

	timestamps := r.senderTimes[senderID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= r.limit {
		r.senderTimes[senderID] = valid
		return false
	}

	r.senderTimes[senderID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// r.mu held.
func (r *rateLimiter) maybeCleanupLocked(now time.Time) {
	if now.Sub(r.lastCleanup) < cleanupInterval {
		return
	}
	r.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range r.senderTimes {
		if len(timestamps) == 0 || timestamps[len(timestamps)-1].Before(cutoff) {
			delete(r.senderTimes, sender)
		}
	}
}
