package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Limiter gates completion calls per tenant.
type Limiter interface {
	// Allow reports whether one more call fits the tenant's budget and
	// consumes a slot when it does.
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// windowLimiter is an in-process sliding window: per-tenant time buckets
// summed over the window. Accurate enough for a per-minute budget and
// free of the reset spike a fixed window has. Not safe across instances; Pro
// deployments use the shared limiter instead.
type windowLimiter struct {
	limit      int64
	window     time.Duration
	bucketSize time.Duration

	mu      sync.Mutex
	tenants map[string][]bucket
}

type bucket struct {
	at    time.Time
	count int64
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	bucketSize := window / 60
	if bucketSize < time.Millisecond {
		bucketSize = time.Millisecond
	}
	if bucketSize > time.Second {
		bucketSize = time.Second
	}
	return &windowLimiter{
		limit:      int64(limit),
		window:     window,
		bucketSize: bucketSize,
		tenants:    make(map[string][]bucket),
	}
}

func (l *windowLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.tenants[tenantID][:0]
	var sum int64
	for _, b := range l.tenants[tenantID] {
		if b.at.Before(cutoff) {
			continue
		}
		kept = append(kept, b)
		sum += b.count
	}

	if sum >= l.limit {
		l.tenants[tenantID] = kept
		return false, nil
	}

	slot := now.Truncate(l.bucketSize)
	if n := len(kept); n > 0 && kept[n-1].at.Equal(slot) {
		kept[n-1].count++
	} else {
		kept = append(kept, bucket{at: slot, count: 1})
	}
	l.tenants[tenantID] = kept
	return true, nil
}

// sharedLimiter enforces the budget through the cache's atomic counters so
// every instance draws from the same pool. The counter is a fixed window, the
// price of keeping the cache contract to a single increment.
type sharedLimiter struct {
	cache  domain.Cache
	limit  int64
	window time.Duration
}

func newSharedLimiter(cache domain.Cache, limit int, window time.Duration) *sharedLimiter {
	return &sharedLimiter{cache: cache, limit: int64(limit), window: window}
}

func (l *sharedLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	count, err := l.cache.IncrementCounter(ctx, tenantID, "llm:calls", l.window)
	if err != nil {
		return false, fmt.Errorf("%w: rate counter: %v", domain.ErrUpstream, err)
	}
	return count <= l.limit, nil
}
