package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/indexpilot-io/indexpilot/internal/config"
)

func newClockedLimiter(policy config.BucketPolicy) (*Limiter, *time.Time) {
	l := NewLimiter(policy)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	return l, &now
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newClockedLimiter(config.BucketPolicy{MaxRequests: 3, TimeWindowSeconds: 60})

	for n := 0; n < 3; n++ {
		ok, _ := l.Allow("t1", 1)
		assert.True(t, ok, "request %d", n)
	}

	ok, retryAfter := l.Allow("t1", 1)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestLimiterRetryAfterShrinksWithinWindow(t *testing.T) {
	// 1000 requests burned in the first 5 seconds leave ~55s to the reset.
	l, now := newClockedLimiter(config.BucketPolicy{MaxRequests: 1000, TimeWindowSeconds: 60})

	for n := 0; n < 1000; n++ {
		ok, _ := l.Allow("t1", 1)
		assert.True(t, ok)
	}

	*now = now.Add(5 * time.Second)

	ok, retryAfter := l.Allow("t1", 1)
	assert.False(t, ok)
	assert.Equal(t, 55*time.Second, retryAfter)
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestLimiterResetsAfterWindow(t *testing.T) {
	l, now := newClockedLimiter(config.BucketPolicy{MaxRequests: 1, TimeWindowSeconds: 60})

	ok, _ := l.Allow("t1", 1)
	assert.True(t, ok)

	ok, _ = l.Allow("t1", 1)
	assert.False(t, ok)

	*now = now.Add(61 * time.Second)

	ok, _ = l.Allow("t1", 1)
	assert.True(t, ok, "fresh window refills the bucket")
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newClockedLimiter(config.BucketPolicy{MaxRequests: 1, TimeWindowSeconds: 60})

	ok, _ := l.Allow("t1", 1)
	assert.True(t, ok)

	ok, _ = l.Allow("t2", 1)
	assert.True(t, ok, "second key has its own bucket")
}

func TestLimiterCostConsumesMultipleTokens(t *testing.T) {
	l, _ := newClockedLimiter(config.BucketPolicy{MaxRequests: 10, TimeWindowSeconds: 60})

	ok, _ := l.Allow("t1", 8)
	assert.True(t, ok)
	assert.Equal(t, 2, l.Remaining("t1"))

	ok, _ = l.Allow("t1", 5)
	assert.False(t, ok, "cost exceeds remaining tokens")
	assert.Equal(t, 2, l.Remaining("t1"), "failed request consumes nothing")
}

func TestLimiterPrune(t *testing.T) {
	l, now := newClockedLimiter(config.BucketPolicy{MaxRequests: 5, TimeWindowSeconds: 60})

	l.Allow("t1", 1)
	l.Allow("t2", 1)

	assert.Zero(t, l.Prune(), "live windows are kept")

	*now = now.Add(2 * time.Minute)

	assert.Equal(t, 2, l.Prune())
}
