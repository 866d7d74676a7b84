// Package ratelimit throttles per-tenant request flows with a fixed window
// counter. The gateway keys by tenant on the decision path, policyd keys by
// tenant on compile requests.
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is the single-instance limiter. It also backs RedisLimiter
// when redis is unreachable.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]bucket),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = bucket{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decisionFor(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) evictExpired(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decisionFor(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
