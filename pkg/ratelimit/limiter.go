// Package ratelimit provides fixed-window request limiting, keyed per
// tenant and actor at the gateway. Redis keeps counts shared across
// instances; the in-memory limiter is the single-node fallback.
package ratelimit

import (
	"sync"
	"time"
)

// TenantKey builds the limiter key for an actor within a tenant.
func TenantKey(tenantID, actorID string) string {
	if actorID == "" {
		return tenantID
	}
	return tenantID + ":" + actorID
}

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

type window struct {
	count   int
	resetAt time.Time
}

// InMemoryLimiter counts requests per key in fixed windows. Expired
// windows are collected lazily on the next Allow call.
type InMemoryLimiter struct {
	Clock func() time.Time

	mu      sync.Mutex
	span    time.Duration
	windows map[string]window
}

func NewInMemory(span time.Duration) *InMemoryLimiter {
	if span <= 0 {
		span = time.Minute
	}
	return &InMemoryLimiter{
		Clock:   time.Now,
		span:    span,
		windows: make(map[string]window),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
	w, live := l.windows[key]
	if !live || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.span)}
	}
	w.count++
	l.windows[key] = w

	return Decision{
		Allowed:   w.count <= limit,
		Count:     w.count,
		Limit:     limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   w.resetAt,
	}
}

func (l *InMemoryLimiter) now() time.Time {
	if l.Clock != nil {
		return l.Clock().UTC()
	}
	return time.Now().UTC()
}
