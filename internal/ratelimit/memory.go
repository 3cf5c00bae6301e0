package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type windowEntry struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is an in-process fixed-window limiter. Counters are not
// persisted and not shared across instances; this is advisory throttling,
// not a security boundary.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	nowFunc func() time.Time
	// sweepChance controls the per-call probability of reclaiming expired
	// entries, bounding memory without a background goroutine.
	sweepChance float64
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		entries:     make(map[string]*windowEntry),
		nowFunc:     time.Now,
		sweepChance: 0.01,
	}
}

// Check counts the request against the key's current window.
func (l *MemoryLimiter) Check(_ context.Context, key string, cfg Config) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if rand.Float64() < l.sweepChance {
		l.sweepLocked(now)
	}

	e, ok := l.entries[key]
	if !ok || now.After(e.resetAt) {
		e = &windowEntry{count: 0, resetAt: now.Add(cfg.Window)}
		l.entries[key] = e
	}

	if e.count >= cfg.MaxRequests {
		retryAfter := e.resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{
			Allowed:    false,
			Limit:      cfg.MaxRequests,
			Remaining:  0,
			ResetAt:    e.resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	e.count++
	return Result{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - e.count,
		ResetAt:   e.resetAt,
	}, nil
}

func (l *MemoryLimiter) sweepLocked(now time.Time) {
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
}
