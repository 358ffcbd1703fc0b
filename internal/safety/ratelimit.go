package safety

import (
	"sync"
	"time"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

type (
	// Limiter is a fixed-window token bucket, keyed by caller identifier.
	// Each key gets max_requests tokens per window; the bucket refills in
	// full at its reset time, and tokens never exceed max_requests.
	Limiter struct {
		maxRequests int
		window      time.Duration

		mu      sync.Mutex
		buckets map[string]*bucket

		now func() time.Time // test hook
	}

	bucket struct {
		remaining int
		resetAt   time.Time
	}
)

// NewLimiter creates a limiter from one bucket policy.
func NewLimiter(policy config.BucketPolicy) *Limiter {
	maxRequests := policy.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 1
	}

	window := time.Duration(policy.TimeWindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		buckets:     make(map[string]*bucket),
		now:         time.Now,
	}
}

// Allow consumes cost tokens for the key. When the bucket is exhausted it
// returns false and how long until the bucket resets; retry_after never
// exceeds the window length.
func (l *Limiter) Allow(key string, cost int) (bool, time.Duration) {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{remaining: l.maxRequests, resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}

	if b.remaining < cost {
		return false, b.resetAt.Sub(now)
	}

	b.remaining -= cost

	return true, 0
}

// Remaining reports the tokens left for a key in the current window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || !l.now().Before(b.resetAt) {
		return l.maxRequests
	}

	return b.remaining
}

// Prune drops bucket state for windows that ended before now, bounding
// memory under high key cardinality. Returns how many buckets were dropped.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0

	for key, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, key)
			dropped++
		}
	}

	return dropped
}
