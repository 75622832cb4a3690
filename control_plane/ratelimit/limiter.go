// Package ratelimit throttles heartbeats per client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether a keyed request may proceed.
type Limiter interface {
	Allow(key string) bool
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key. Buckets idle for longer than
// the eviction window are dropped by Prune.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	r        rate.Limit
	b        int
	now      func() time.Time
}

// NewKeyedLimiter creates a limiter with rate r tokens per second and burst b.
// A non-positive r disables limiting.
func NewKeyedLimiter(r float64, b int) *KeyedLimiter {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if b <= 0 {
		b = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*entry),
		r:        limit,
		b:        b,
		now:      time.Now,
	}
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key).AllowN(l.now(), 1)
}

// Reserve reports whether key may proceed now, and otherwise how long the
// caller should wait before retrying.
func (l *KeyedLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.get(key).ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now) // only checking
		return false, delay
	}
	return true, 0
}

// Prune drops buckets not used within idle and returns how many remain.
func (l *KeyedLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
	return len(l.limiters)
}
