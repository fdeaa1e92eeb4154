package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often Admit scans for dead windows.
const sweepInterval = time.Minute

type memoryWindow struct {
	start  time.Time
	window time.Duration
	used   int
}

func (w *memoryWindow) expired(now time.Time) bool {
	return !now.Before(w.start.Add(w.window))
}

// MemoryLimiter is the in-process fixed-window limiter for single-instance
// deployments without Redis. Expired windows are swept opportunistically on
// Admit, so churning bucket names do not grow the map without bound.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Admit(_ context.Context, bucket string, limit, units int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}
	if units <= 0 {
		units = 1
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)

	w, ok := l.windows[bucket]
	if !ok || w.expired(now) {
		w = &memoryWindow{start: now, window: window}
		l.windows[bucket] = w
	}

	if w.used+units > limit {
		return Decision{
			Allowed:    false,
			Remaining:  max(limit-w.used, 0),
			RetryAfter: w.start.Add(w.window).Sub(now),
		}, nil
	}

	w.used += units
	return Decision{Allowed: true, Remaining: limit - w.used}, nil
}

// Refund returns units to the bucket's current window.
func (l *MemoryLimiter) Refund(_ context.Context, bucket string, units int) error {
	if units <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[bucket]
	if !ok || w.expired(l.now()) {
		return nil
	}
	w.used = max(w.used-units, 0)
	return nil
}

// sweep drops expired windows. Caller holds l.mu.
func (l *MemoryLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for bucket, w := range l.windows {
		if w.expired(now) {
			delete(l.windows, bucket)
		}
	}
}
