// Package tasks runs fire-and-forget background work with a bounded
// drain at shutdown.
package tasks

import (
	"context"
	"sync"
)

// Runner tracks background goroutines so the server can wait for them
// during graceful shutdown. Tasks are detached from request contexts:
// client disconnects never cancel them.
type Runner struct {
	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Go runs fn on a tracked goroutine.
func (r *Runner) Go(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Drain waits for all tracked tasks to finish or for ctx to expire,
// whichever comes first.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
