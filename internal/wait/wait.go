// Package wait polls a condition until it holds, its inverse holds, or a
// timeout elapses. A condition may return a pending future, in which case
// polling stops until the future is delivered.
package wait

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/loop"
)

// DefaultPollInterval is the gap between two condition evaluations.
const DefaultPollInterval = 10 * time.Millisecond

// Condition reports whether the awaited state holds. The value is read for
// truthiness; a *future.Future value is read once it is set.
type Condition func() (any, error)

// WaitTimeout means the condition never held in time.
type WaitTimeout struct {
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *WaitTimeout) Error() string {
	return fmt.Sprintf("wait timed out after %s (timeout %s)", e.Elapsed, e.Timeout)
}

// WaitAborted means the condition itself failed.
type WaitAborted struct {
	Elapsed time.Duration
	Err     error
}

func (e *WaitAborted) Error() string {
	return fmt.Sprintf("wait aborted after %s: %v", e.Elapsed, e.Err)
}

func (e *WaitAborted) Unwrap() error { return e.Err }

// Result is delivered exactly once per started wait.
type Result struct {
	TimedOut bool
	Aborted  bool
	Elapsed  time.Duration
	// Err is a *WaitTimeout or *WaitAborted, nil on success.
	Err error
}

// ConditionWait is a single-use poller. All methods run on the executor.
type ConditionWait struct {
	exec     loop.Executor
	cond     Condition
	timeout  time.Duration
	poll     time.Duration
	inverse  bool
	started  time.Time
	callback func(Result)

	pollTimer    loop.Timer
	timeoutTimer loop.Timer
	subscribed   *future.Future
	subKey       future.ListenerKey
	disposeKey   future.ListenerKey
	done         bool
}

// New creates a wait for cond. A timeout of zero or less never expires.
func New(exec loop.Executor, cond Condition, timeout time.Duration) *ConditionWait {
	return &ConditionWait{
		exec:    exec,
		cond:    cond,
		timeout: timeout,
		poll:    DefaultPollInterval,
	}
}

// WaitOnInverse flips the polarity: the wait succeeds once the condition
// is false.
func (w *ConditionWait) WaitOnInverse(inverse bool) *ConditionWait {
	w.inverse = inverse
	return w
}

// PollInterval overrides DefaultPollInterval.
func (w *ConditionWait) PollInterval(d time.Duration) *ConditionWait {
	if d > 0 {
		w.poll = d
	}
	return w
}

// Start begins polling. The first evaluation runs on the next executor turn.
func (w *ConditionWait) Start(cb func(Result)) {
	w.callback = cb
	w.started = w.exec.Now()
	w.armTimeout()
	w.pollTimer = w.exec.AfterFunc(0, w.check)
}

// Cancel stops the wait without invoking the callback.
func (w *ConditionWait) Cancel() {
	if w.done {
		return
	}
	w.done = true
	w.release()
}

func (w *ConditionWait) elapsed() time.Duration {
	return w.exec.Now().Sub(w.started)
}

func (w *ConditionWait) armTimeout() {
	if w.timeout <= 0 {
		return
	}
	remaining := w.timeout - w.elapsed()
	if remaining < 0 {
		remaining = 0
	}
	w.timeoutTimer = w.exec.AfterFunc(remaining, w.expire)
}

func (w *ConditionWait) check() {
	w.pollTimer = nil
	if w.done {
		return
	}

	v, err := w.evalCond()
	if err != nil {
		w.abort(err)
		return
	}

	if f, ok := v.(*future.Future); ok {
		if f.IsDisposed() && !f.IsSet() {
			w.abort(disposedError(f))
			return
		}
		if !f.IsSet() {
			w.subscribe(f)
			return
		}
		v = f.MustValue()
	}
	w.evaluate(v)
}

// evalCond runs the condition. A panic counts as a thrown error.
func (w *ConditionWait) evalCond() (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("condition panicked: %v", r)
		}
	}()
	return w.cond()
}

func (w *ConditionWait) abort(err error) {
	w.finish(Result{Aborted: true, Err: &WaitAborted{Elapsed: w.elapsed(), Err: err}})
}

func disposedError(f *future.Future) error {
	return fmt.Errorf("%s: %w", f.Owner(), future.ErrDisposed)
}

// subscribe parks the wait on f. The timeout is disarmed while parked so a
// late delivery still completes the wait. A future disposed before delivery
// aborts the wait on the next executor turn.
func (w *ConditionWait) subscribe(f *future.Future) {
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
		w.timeoutTimer = nil
	}
	w.subscribed = f
	w.subKey = f.OnChange(func(v any) {
		w.subscribed = nil
		if w.done {
			return
		}
		if !w.evaluate(v) {
			w.armTimeout()
		}
	}, true)
	w.disposeKey = f.OnDispose(func() {
		w.subscribed = nil
		w.exec.Post(func() {
			if !w.done {
				w.abort(disposedError(f))
			}
		})
	})
}

// evaluate finishes the wait when v satisfies it, otherwise schedules the
// next poll. It reports whether the wait finished.
func (w *ConditionWait) evaluate(v any) bool {
	if truthy(v) != w.inverse {
		w.finish(Result{Elapsed: w.elapsed()})
		return true
	}
	w.pollTimer = w.exec.AfterFunc(w.poll, w.check)
	return false
}

func (w *ConditionWait) expire() {
	w.timeoutTimer = nil
	if w.done {
		return
	}
	elapsed := w.elapsed()
	w.finish(Result{TimedOut: true, Err: &WaitTimeout{Timeout: w.timeout, Elapsed: elapsed}})
}

func (w *ConditionWait) finish(r Result) {
	w.done = true
	w.release()
	switch e := r.Err.(type) {
	case *WaitTimeout:
		r.Elapsed = e.Elapsed
	case *WaitAborted:
		r.Elapsed = e.Elapsed
	}
	if w.callback != nil {
		w.callback(r)
	}
}

func (w *ConditionWait) release() {
	if w.pollTimer != nil {
		w.pollTimer.Stop()
		w.pollTimer = nil
	}
	if w.timeoutTimer != nil {
		w.timeoutTimer.Stop()
		w.timeoutTimer = nil
	}
	if w.subscribed != nil {
		w.subscribed.RemoveListener(w.subKey)
		w.subscribed.RemoveListener(w.disposeKey)
		w.subscribed = nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
