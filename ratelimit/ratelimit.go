// Package ratelimit throttles slash commands per chat user.
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// Limiter keeps one token bucket per key. Each bucket refills perMinute
// tokens a minute and holds at most perMinute.
type Limiter struct {
	perMinute int
	now       func() time.Time

	mu       sync.RWMutex
	limiters map[string]*entry
}

// New returns nil when perMinute is not positive; a nil Limiter allows everything.
func New(perMinute int, now func() time.Time) *Limiter {
	if perMinute <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		perMinute: perMinute,
		now:       now,
		limiters:  make(map[string]*entry),
	}
}

func (l *Limiter) get(key string) *entry {
	l.mu.RLock()
	e, exists := l.limiters[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		// Double-check after acquiring write lock
		e, exists = l.limiters[key]
		if !exists {
			e = &entry{limiter: rate.NewLimiter(rate.Limit(l.perMinute)/60, l.perMinute)}
			l.limiters[key] = e
		}
		l.mu.Unlock()
	}
	return e
}

// Allow spends one token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	e := l.get(key)
	e.lastSeen.Store(now.UnixNano())
	return e.limiter.AllowN(now, 1)
}

// Prune forgets buckets unused for longer than idle and reports how many went.
// A forgotten bucket comes back full, so idle should exceed a minute.
func (l *Limiter) Prune(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle).UnixNano()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.limiters {
		if e.lastSeen.Load() < cutoff {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
