// Package invoke starts downstream compute targets asynchronously.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/metrics"
)

var (
	// ErrUnknownFunction is returned when no target is registered under a name.
	ErrUnknownFunction = errors.New("unknown compute function")
	// ErrQueueFull is returned when the invocation queue cannot accept more work.
	ErrQueueFull = errors.New("invocation queue full")
	// ErrClosed is returned after the invoker has been shut down.
	ErrClosed = errors.New("invoker closed")
)

// Invoker starts a named compute target with a payload and returns as soon
// as the invocation has been accepted. Targets run outside the caller's
// lifetime and report results through the push channel.
type Invoker interface {
	InvokeAsync(ctx context.Context, function string, payload []byte) error
}

// Target is a compute function runnable by the invoker.
type Target interface {
	Handle(ctx context.Context, payload []byte) error
}

// TargetFunc adapts a function to the Target interface.
type TargetFunc func(ctx context.Context, payload []byte) error

// Handle calls f.
func (f TargetFunc) Handle(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Options tunes a LocalInvoker.
type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// RetryDelay is the pause before the first redelivery; later attempts
	// double it.
	RetryDelay time.Duration
	// Timeout bounds a single delivery. Zero means no limit.
	Timeout time.Duration
}

type job struct {
	function string
	payload  []byte
	accepted time.Time
}

// LocalInvoker runs registered targets on an in-process worker pool.
// Delivery is at-least-once: a target that returns an error is retried up
// to MaxAttempts times, so targets must tolerate duplicate payloads.
type LocalInvoker struct {
	targets map[string]Target
	opts    Options
	queue   chan job
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewLocalInvoker creates an invoker and starts its workers.
func NewLocalInvoker(targets map[string]Target, opts Options, logger *slog.Logger) *LocalInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}

	registered := make(map[string]Target, len(targets))
	for name, t := range targets {
		registered[name] = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	inv := &LocalInvoker{
		targets: registered,
		opts:    opts,
		queue:   make(chan job, opts.QueueSize),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < opts.Workers; i++ {
		inv.wg.Add(1)
		go inv.work(i)
	}
	return inv
}

// Functions returns the names of all registered targets.
func (i *LocalInvoker) Functions() []string {
	names := make([]string, 0, len(i.targets))
	for name := range i.targets {
		names = append(names, name)
	}
	return names
}

// InvokeAsync enqueues an invocation. It never waits for the target to run.
func (i *LocalInvoker) InvokeAsync(ctx context.Context, function string, payload []byte) error {
	if _, ok := i.targets[function]; !ok {
		metrics.InvocationsTotal.WithLabelValues(function, "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return ErrClosed
	}

	j := job{function: function, payload: append([]byte(nil), payload...), accepted: time.Now()}
	select {
	case i.queue <- j:
		metrics.InvocationsTotal.WithLabelValues(function, "accepted").Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		metrics.InvocationsTotal.WithLabelValues(function, "rejected").Inc()
		i.logger.Warn("Invocation queue full", "function", function, "queue_len", len(i.queue))
		return ErrQueueFull
	}
}

func (i *LocalInvoker) work(id int) {
	defer i.wg.Done()
	for j := range i.queue {
		i.deliver(id, j)
	}
}

func (i *LocalInvoker) deliver(worker int, j job) {
	target := i.targets[j.function]
	delay := i.opts.RetryDelay

	for attempt := 1; attempt <= i.opts.MaxAttempts; attempt++ {
		err := i.runOnce(target, j)
		if err == nil {
			metrics.InvocationsTotal.WithLabelValues(j.function, "succeeded").Inc()
			return
		}

		if attempt == i.opts.MaxAttempts {
			metrics.InvocationsTotal.WithLabelValues(j.function, "failed").Inc()
			i.logger.Error("Compute invocation failed",
				"function", j.function,
				"worker", worker,
				"attempts", attempt,
				"error", err,
			)
			return
		}

		metrics.InvocationsTotal.WithLabelValues(j.function, "retried").Inc()
		i.logger.Warn("Compute invocation failed, retrying",
			"function", j.function,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-i.ctx.Done():
			return
		}
		delay *= 2
	}
}

func (i *LocalInvoker) runOnce(target Target, j job) (err error) {
	ctx := i.ctx
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.InvocationDurationSeconds.WithLabelValues(j.function).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("target panicked: %v", r)
		}
	}()
	return target.Handle(ctx, j.payload)
}

// Close stops accepting invocations and waits for queued work to finish or
// for ctx to expire, whichever comes first. In-flight targets are cancelled
// when ctx expires.
func (i *LocalInvoker) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	close(i.queue)
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.cancel()
		return nil
	case <-ctx.Done():
		i.cancel()
		i.logger.Warn("Invoker shutdown timeout", "queue_remaining", len(i.queue))
		<-done
		return ctx.Err()
	}
}
