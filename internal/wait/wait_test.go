package wait

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/loop"
)

func newClock() *loop.Manual {
	return loop.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func collect(results *[]Result) func(Result) {
	return func(r Result) { *results = append(*results, r) }
}

func TestConditionWait(t *testing.T) {
	t.Run("times out once at the deadline", func(t *testing.T) {
		clock := newClock()
		var results []Result
		evaluations := 0
		New(clock, func() (any, error) { evaluations++; return false, nil }, 50*time.Millisecond).
			Start(collect(&results))

		clock.Advance(500 * time.Millisecond)

		require.Len(t, results, 1)
		r := results[0]
		assert.True(t, r.TimedOut)
		assert.False(t, r.Aborted)
		assert.InDelta(t, float64(50*time.Millisecond), float64(r.Elapsed), float64(DefaultPollInterval))
		var timeout *WaitTimeout
		assert.ErrorAs(t, r.Err, &timeout)
		assert.Zero(t, clock.PendingTimers())
		assert.LessOrEqual(t, evaluations, 6)
	})

	t.Run("succeeds when the condition turns true", func(t *testing.T) {
		clock := newClock()
		var results []Result
		calls := 0
		New(clock, func() (any, error) {
			calls++
			return calls == 3, nil
		}, time.Second).Start(collect(&results))

		clock.Advance(time.Second)

		require.Len(t, results, 1)
		assert.False(t, results[0].TimedOut)
		assert.NoError(t, results[0].Err)
		assert.Equal(t, 20*time.Millisecond, results[0].Elapsed)
		assert.Equal(t, 3, calls)
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("inverse polarity waits for a false condition", func(t *testing.T) {
		clock := newClock()
		var results []Result
		present := true
		clock.AfterFunc(25*time.Millisecond, func() { present = false })

		New(clock, func() (any, error) { return present, nil }, time.Second).
			WaitOnInverse(true).
			Start(collect(&results))
		clock.Advance(time.Second)

		require.Len(t, results, 1)
		assert.False(t, results[0].TimedOut)
		assert.Equal(t, 30*time.Millisecond, results[0].Elapsed)
	})

	t.Run("condition error aborts the wait", func(t *testing.T) {
		clock := newClock()
		var results []Result
		sentinel := errors.New("stale")
		New(clock, func() (any, error) { return nil, sentinel }, time.Second).Start(collect(&results))
		clock.Advance(time.Second)

		require.Len(t, results, 1)
		assert.True(t, results[0].Aborted)
		assert.False(t, results[0].TimedOut)
		assert.ErrorIs(t, results[0].Err, sentinel)
		var aborted *WaitAborted
		assert.ErrorAs(t, results[0].Err, &aborted)
	})

	t.Run("set future is read without an extra poll", func(t *testing.T) {
		clock := newClock()
		var results []Result
		New(clock, func() (any, error) { return future.Resolved(true), nil }, time.Second).
			Start(collect(&results))
		clock.Flush()

		require.Len(t, results, 1)
		assert.Zero(t, results[0].Elapsed)
	})

	t.Run("pending future completes the wait past the timeout", func(t *testing.T) {
		clock := newClock()
		var results []Result
		f := future.New("FIND_ELEMENT")
		evaluations := 0
		New(clock, func() (any, error) { evaluations++; return f, nil }, 50*time.Millisecond).
			Start(collect(&results))

		clock.Advance(200 * time.Millisecond)
		assert.Empty(t, results, "timeout must not fire while the future is pending")
		assert.Equal(t, 1, evaluations, "no polling while parked on a future")
		assert.Equal(t, 1, f.ListenerCount())

		require.NoError(t, f.SetValue(true))

		require.Len(t, results, 1)
		assert.False(t, results[0].TimedOut)
		assert.Equal(t, 200*time.Millisecond, results[0].Elapsed)
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("false future with no budget left times out", func(t *testing.T) {
		clock := newClock()
		var results []Result
		f := future.New("FIND_ELEMENT")
		New(clock, func() (any, error) { return f, nil }, 50*time.Millisecond).
			Start(collect(&results))
		clock.Advance(100 * time.Millisecond)

		require.NoError(t, f.SetValue(false))
		clock.Flush()

		require.Len(t, results, 1)
		assert.True(t, results[0].TimedOut)
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("disposed future aborts the wait", func(t *testing.T) {
		clock := newClock()
		var results []Result
		f := future.New("GET_TITLE")
		New(clock, func() (any, error) { return f, nil }, 50*time.Millisecond).
			Start(collect(&results))
		clock.Flush()
		require.Equal(t, 1, f.ListenerCount())

		f.Dispose()
		clock.Advance(10 * time.Second)

		require.Len(t, results, 1)
		assert.True(t, results[0].Aborted)
		assert.False(t, results[0].TimedOut)
		assert.ErrorIs(t, results[0].Err, future.ErrDisposed)
		assert.Contains(t, results[0].Err.Error(), "GET_TITLE")
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("already disposed future aborts without parking", func(t *testing.T) {
		clock := newClock()
		var results []Result
		f := future.New("gone")
		f.Dispose()
		New(clock, func() (any, error) { return f, nil }, 0).Start(collect(&results))
		clock.Flush()

		require.Len(t, results, 1)
		assert.ErrorIs(t, results[0].Err, future.ErrDisposed)
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("panicking condition aborts the wait", func(t *testing.T) {
		clock := newClock()
		var results []Result
		New(clock, func() (any, error) { panic("selector exploded") }, 0).Start(collect(&results))
		clock.Advance(time.Second)

		require.Len(t, results, 1)
		assert.True(t, results[0].Aborted)
		assert.False(t, results[0].TimedOut)
		var aborted *WaitAborted
		require.ErrorAs(t, results[0].Err, &aborted)
		assert.Contains(t, aborted.Err.Error(), "selector exploded")
		assert.Zero(t, clock.PendingTimers())
	})

	t.Run("panicking condition on the real loop", func(t *testing.T) {
		l := loop.New(zaptest.NewLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = l.Run(ctx) }()

		results := make(chan Result, 1)
		require.NoError(t, l.Do(ctx, func() {
			New(l, func() (any, error) { panic("boom") }, 50*time.Millisecond).
				Start(func(r Result) { results <- r })
		}))

		select {
		case r := <-results:
			assert.True(t, r.Aborted)
			assert.False(t, r.TimedOut)
		case <-time.After(5 * time.Second):
			t.Fatal("wait never reported")
		}
	})

	t.Run("cancel suppresses the callback", func(t *testing.T) {
		clock := newClock()
		var results []Result
		w := New(clock, func() (any, error) { return false, nil }, 50*time.Millisecond)
		w.Start(collect(&results))
		clock.Advance(15 * time.Millisecond)
		w.Cancel()
		clock.Advance(time.Second)

		assert.Empty(t, results)
		assert.Zero(t, clock.PendingTimers())
	})
}
