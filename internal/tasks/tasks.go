// Package tasks tracks fire-and-forget background work (semantic-cache
// writes, command-history inserts) so shutdown can cancel and await it
// instead of losing goroutines mid-write.
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tracker owns a set of background goroutines sharing one cancelable context.
type Tracker struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a Tracker whose tasks derive from parent.
func New(parent context.Context, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Tracker{ctx: ctx, cancel: cancel, log: log.Named("tasks")}
}

// Go runs fn in a tracked goroutine. After Shutdown the task is dropped
// with a warning rather than started on a dead context.
func (t *Tracker) Go(name string, fn func(ctx context.Context)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Warn("task submitted after shutdown, dropped", zap.String("task", name))
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(t.ctx)
	}()
}

// Shutdown cancels every tracked task and waits for them to return, up to
// grace. Lost writes past the deadline are acceptable by contract.
func (t *Tracker) Shutdown(grace time.Duration) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		t.log.Warn("background tasks still running at shutdown deadline", zap.Duration("grace", grace))
	}
}

// Wait blocks until all currently tracked tasks finish. Test helper.
func (t *Tracker) Wait() { t.wg.Wait() }
