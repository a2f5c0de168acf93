package ratelimit

import (
	"sync"
	"time"
)

// Window is a sliding one-minute request counter keyed by an arbitrary
// string (virtual key ID, exchange name). Allow records a hit when under
// the limit; callers that want blocking semantics use the per-exchange
// Limiter instead.
type Window struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	period time.Duration

	// injectable clock for tests
	now func() time.Time
}

// NewWindow creates a sliding window counter over a one-minute period
func NewWindow() *Window {
	return &Window{
		hits:   make(map[string][]time.Time),
		period: time.Minute,
		now:    time.Now,
	}
}

// Allow reports whether another request under key fits inside the
// sliding window, recording it if so. limit <= 0 means unlimited.
func (w *Window) Allow(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	fresh := w.prune(key, now)

	if len(fresh) >= limit {
		return false
	}

	w.hits[key] = append(fresh, now)
	return true
}

// Remaining returns how many requests are left in the current window
func (w *Window) Remaining(key string, limit int) int {
	if limit <= 0 {
		return int(^uint(0) >> 1)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	fresh := w.prune(key, w.now())
	w.hits[key] = fresh

	left := limit - len(fresh)
	if left < 0 {
		left = 0
	}
	return left
}

// RetryAfter returns how long until the oldest recorded hit leaves the
// window, i.e. the earliest time a denied caller could succeed.
func (w *Window) RetryAfter(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	fresh := w.prune(key, now)
	w.hits[key] = fresh

	if len(fresh) == 0 {
		return 0
	}
	return fresh[0].Add(w.period).Sub(now)
}

// Reset drops all recorded hits for key
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.hits, key)
}

// prune drops hits older than one period. Caller must hold the lock.
func (w *Window) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.period)
	hits := w.hits[key]

	idx := 0
	for idx < len(hits) && !hits[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return hits
	}
	return hits[idx:]
}
