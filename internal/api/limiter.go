package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const minLimiterIdle = time.Minute

// OwnerLimiter keeps one token bucket per owner. A bucket left alone long
// enough to refill completely is dropped, since a new one behaves the same.
type OwnerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	nowFn     func() time.Time
	buckets   map[string]*ownerBucket
	lastSweep time.Time
}

type ownerBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewOwnerLimiter allows perSecond submissions per owner with the given
// burst. A non-positive rate disables limiting.
func NewOwnerLimiter(perSecond float64, burst int) *OwnerLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &OwnerLimiter{
		limit:   rate.Inf,
		burst:   burst,
		idle:    minLimiterIdle,
		nowFn:   time.Now,
		buckets: map[string]*ownerBucket{},
	}
	if perSecond > 0 {
		l.limit = rate.Limit(perSecond)
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > l.idle {
			l.idle = refill
		}
	}
	return l
}

func (l *OwnerLimiter) Allow(owner string) bool {
	if l.limit == rate.Inf {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if now.Sub(l.lastSweep) >= l.idle {
		for key, b := range l.buckets {
			if now.Sub(b.seen) >= l.idle {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[owner]
	if !ok {
		b = &ownerBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[owner] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

func (l *OwnerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
