package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFixedWindow_AllowsUpToCapacity(t *testing.T) {
	limiter := NewFixedWindow(time.Minute, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision, err := limiter.Consume(ctx, "issuer:subject")
		if err != nil {
			t.Fatalf("Consume() unexpected error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d: Allowed = false, want true", i)
		}
		if decision.Remaining != 3-i {
			t.Errorf("request %d: Remaining = %d, want %d", i, decision.Remaining, 3-i)
		}
	}

	decision, err := limiter.Consume(ctx, "issuer:subject")
	if err != nil {
		t.Fatalf("Consume() unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Error("request over capacity: Allowed = true, want false")
	}
	if decision.Remaining != 0 {
		t.Errorf("request over capacity: Remaining = %d, want 0", decision.Remaining)
	}
}

func TestFixedWindow_IdentitiesAreIndependent(t *testing.T) {
	limiter := NewFixedWindow(time.Minute, 1)
	ctx := context.Background()

	if d, _ := limiter.Consume(ctx, "iss:alpha"); !d.Allowed {
		t.Fatal("first identity should be allowed")
	}
	if d, _ := limiter.Consume(ctx, "iss:beta"); !d.Allowed {
		t.Error("second identity should not share the first identity's bucket")
	}
	if d, _ := limiter.Consume(ctx, "iss:alpha"); d.Allowed {
		t.Error("first identity should be over capacity")
	}
}

func TestFixedWindow_WindowRollover(t *testing.T) {
	limiter := NewFixedWindow(time.Minute, 1)

	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return current }

	ctx := context.Background()

	first, _ := limiter.Consume(ctx, "id")
	if !first.Allowed {
		t.Fatal("first request should be allowed")
	}
	if want := current.Add(time.Minute); !first.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", first.ResetAt, want)
	}

	denied, _ := limiter.Consume(ctx, "id")
	if denied.Allowed {
		t.Fatal("second request in window should be denied")
	}

	// Advance past the window; the bucket must roll over.
	current = current.Add(time.Minute)

	rolled, _ := limiter.Consume(ctx, "id")
	if !rolled.Allowed {
		t.Error("request after rollover should be allowed")
	}
}

func TestFixedWindow_NeverOverIssuesConcurrently(t *testing.T) {
	const capacity = 30

	limiter := NewFixedWindow(time.Minute, capacity)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 4*capacity; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.Consume(ctx, "iss:sub")
			if err != nil {
				t.Errorf("Consume() unexpected error: %v", err)
				return
			}
			if decision.Allowed {
				allowed.Add(1)
			}
		}()
	}

	wg.Wait()

	if got := allowed.Load(); got != capacity {
		t.Errorf("allowed = %d, want exactly %d", got, capacity)
	}
}

func TestFixedWindow_CancelledContext(t *testing.T) {
	limiter := NewFixedWindow(time.Minute, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := limiter.Consume(ctx, "id"); err == nil {
		t.Error("Consume() with cancelled context should fail")
	}
}
