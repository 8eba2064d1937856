// Package schedule runs cancellable delayed and periodic tasks.
//
// Every task gets its own Handle. Cancelling a handle guarantees the task
// will not start again; a callback that is already running observes the
// cancellation through its context and is allowed to finish.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Func is a scheduled callback. ctx is cancelled when the task's handle or
// the owning scheduler is cancelled.
type Func func(ctx context.Context)

// Handle controls one scheduled task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the task. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed once the task will never run again.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Scheduler owns a set of tasks and stops them together.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New creates a scheduler whose tasks stop when parent is cancelled or
// Stop is called.
func New(parent context.Context) *Scheduler {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// After runs fn once after d.
func (s *Scheduler) After(d time.Duration, fn Func) *Handle {
	return s.start(func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			if ctx.Err() == nil {
				fn(ctx)
			}
		case <-ctx.Done():
		}
	})
}

// Every runs fn every d until cancelled. The first run happens after d.
// Runs never overlap; a slow callback delays the next tick.
func (s *Scheduler) Every(d time.Duration, fn Func) *Handle {
	return s.start(func(ctx context.Context) {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
}

func (s *Scheduler) start(run func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(h.done)
		return h
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer cancel()
		run(ctx)
	}()
	return h
}

// Stop cancels every task and waits for running callbacks to return.
// Tasks scheduled after Stop never run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
