package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleBucketTTL = 10 * time.Minute

// LocalLimiter is the single-instance fallback: one token bucket per key,
// refilled at limit per window with a burst of limit.
type LocalLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	buckets  map[string]*localBucket
	lastScan time.Time
	now      func() time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds an in-process limiter.
func NewLocalLimiter(limit int, window time.Duration) (*LocalLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &LocalLimiter{
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		buckets: make(map[string]*localBucket),
		now:     time.Now,
	}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastScan) > idleBucketTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleBucketTTL {
				delete(l.buckets, k)
			}
		}
		l.lastScan = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
