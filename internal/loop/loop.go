// Package loop funnels every state mutation of a session through one
// logical executor. Scheduler ticks, timer callbacks and backend responses
// all run as tasks on the same goroutine, so the engine above it needs no
// locks.
package loop

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before the callback ran.
	Stop() bool
}

// Executor runs tasks one at a time, in order.
type Executor interface {
	Now() time.Time
	// Post queues fn to run on the executor. Safe from any goroutine.
	Post(fn func())
	// AfterFunc runs fn on the executor once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Loop is the production Executor: a single goroutine draining a FIFO.
type Loop struct {
	logger *zap.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	running atomic.Bool
	stopped chan struct{}
}

var _ Executor = (*Loop)(nil)

// New creates a loop. Call Run to start draining tasks.
func New(logger *zap.Logger) *Loop {
	return &Loop{
		logger:  logger.Named("loop"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Now returns wall-clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Post appends fn to the queue and wakes the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc arms a wall-clock timer whose callback is posted to the loop.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			// Stop may have been called between expiry and this task.
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	t.timer.Stop()
	return t.stopped.CompareAndSwap(false, true)
}

// Run drains tasks until ctx is cancelled. Panicking tasks are logged and
// do not stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("loop is already running")
	}
	defer close(l.stopped)
	l.logger.Debug("Loop started.")

	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("Context cancelled, loop shutting down.", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

// Stopped is closed once Run returns.
func (l *Loop) Stopped() <-chan struct{} { return l.stopped }

func (l *Loop) drain(ctx context.Context) {
	for ctx.Err() == nil {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.runTask(fn)
	}
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in loop task.",
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
