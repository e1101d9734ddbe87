// Package ratelimit enforces a per-identity fixed-window rate limit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Default limiter parameters.
const (
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 30
)

// Decision is the outcome of consuming one token for an identity.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter decides whether an identity may proceed with one more request.
type Limiter interface {
	// Consume takes one token for identity. A returned error means the
	// limiter itself failed, not that the identity was denied.
	Consume(ctx context.Context, identity string) (Decision, error)
}

// bucket tracks one identity's window.
type bucket struct {
	windowStart time.Time
	count       int
}

// FixedWindow is an in-process Limiter using a fixed window of size W with
// capacity N per identity. All mutations happen under one mutex, so
// concurrent Consume calls for the same identity observe a total order and
// the capacity is never exceeded.
type FixedWindow struct {
	window   time.Duration
	capacity int

	mu      sync.Mutex
	buckets map[string]*bucket

	// now is swappable for tests.
	now func() time.Time
}

// NewFixedWindow creates a FixedWindow limiter. Non-positive parameters
// fall back to the defaults.
func NewFixedWindow(window time.Duration, capacity int) *FixedWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FixedWindow{
		window:   window,
		capacity: capacity,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Consume takes one token for identity within the current window.
func (l *FixedWindow) Consume(ctx context.Context, identity string) (Decision, error) {
	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	b, ok := l.buckets[identity]
	if !ok || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		l.buckets[identity] = b
	}

	resetAt := b.windowStart.Add(l.window)

	if b.count >= l.capacity {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	b.count++

	return Decision{
		Allowed:   true,
		Remaining: l.capacity - b.count,
		ResetAt:   resetAt,
	}, nil
}
