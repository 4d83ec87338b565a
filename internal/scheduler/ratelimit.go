package scheduler

import (
	"sync"
	"time"
)

// rateLimiter counts submissions per user over a rolling window. The
// window boundary is the oldest retained submission, not calendar
// aligned. Single-writer-per-key: all access goes through the mutex.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	times  map[string][]time.Time
}

func newRateLimiter(window time.Duration) *rateLimiter {
	return &rateLimiter{
		window: window,
		times:  make(map[string][]time.Time),
	}
}

// Allow reports whether user is under cap at now
func (r *rateLimiter) Allow(user string, now time.Time, cap int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(user, now)
	return len(r.times[user]) < cap
}

// Record registers one admitted submission
func (r *rateLimiter) Record(user string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times[user] = append(r.times[user], now)
}

// SetWindow updates the rolling window length (config hot-reload)
func (r *rateLimiter) SetWindow(w time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = w
}

func (r *rateLimiter) prune(user string, now time.Time) {
	cutoff := now.Add(-r.window)
	ts := r.times[user]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.times[user] = ts[i:]
	}
	if len(r.times[user]) == 0 {
		delete(r.times, user)
	}
}
