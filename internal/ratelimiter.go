package internal

import (
	"sync"
	"time"
)

// RateLimiter caps how many times a key may act within a sliding window. It
// fronts the credential endpoints, so the cap is per remote address and the
// map must not grow with every visitor forever: keys with no recent hits are
// pruned on the way through.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[string][]time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
	}
}

// Allow reports whether the key may act now, recording the hit if so.
func (l *RateLimiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *RateLimiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	if len(l.history) > maxTrackedKeys {
		l.pruneLocked(cutoff)
	}
	recent := l.history[key][:0]
	for _, hit := range l.history[key] {
		if hit.After(cutoff) {
			recent = append(recent, hit)
		}
	}
	if len(recent) >= l.limit {
		l.history[key] = recent
		return false
	}
	l.history[key] = append(recent, now)
	return true
}

const maxTrackedKeys = 1024

// pruneLocked drops keys whose entire history has aged out.
func (l *RateLimiter) pruneLocked(cutoff time.Time) {
	for key, hits := range l.history {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(l.history, key)
		}
	}
}
