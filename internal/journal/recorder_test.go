package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
)

type memorySink struct {
	mu      sync.Mutex
	batches [][]Entry
	err     error
}

func (s *memorySink) Persist(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, entries)
	return s.err
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func finished(name command.Name, resp command.Response) *command.Command {
	cmd := command.New(nil, name)
	cmd.SetResponse(resp)
	return cmd
}

func TestNewEntry(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("success keeps the value", func(t *testing.T) {
		ctx := command.Context{WindowID: "w1", FrameID: "f1"}
		cmd := finished(command.GetTitle, command.Success(ctx, "Inbox"))

		e := NewEntry("s1", cmd, 15*time.Millisecond, now)
		assert.Equal(t, cmd.ID(), e.CommandID)
		assert.Equal(t, "GET_TITLE", e.Name)
		assert.Equal(t, ctx, e.Context)
		assert.JSONEq(t, `"Inbox"`, string(e.Value))
		assert.Nil(t, e.Errors)
		assert.Equal(t, now, e.FinishedAt)
	})

	t.Run("failure keeps the messages", func(t *testing.T) {
		cmd := finished(command.ClickElement, command.FailedMessages(command.Context{}, "stale", "detached"))

		e := NewEntry("s1", cmd, 0, now)
		assert.True(t, e.Failed)
		assert.Nil(t, e.Value)
		msgs, err := e.ErrorMessages()
		require.NoError(t, err)
		assert.Equal(t, []string{"stale", "detached"}, msgs)
	})

	t.Run("unencodable values are described", func(t *testing.T) {
		cmd := finished(command.Function, command.Success(command.Context{}, func() {}))
		e := NewEntry("s1", cmd, 0, now)
		assert.JSONEq(t, `{"unencodable":"func()"}`, string(e.Value))
	})
}

func TestRecorder(t *testing.T) {
	t.Run("flushes full batches", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, config.JournalConfig{BufferSize: 10, BatchSize: 2, FlushInterval: time.Hour}, zaptest.NewLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- r.Run(ctx) }()

		for i := 0; i < 4; i++ {
			r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), time.Millisecond)
		}
		assert.Eventually(t, func() bool { return sink.count() == 4 }, time.Second, 5*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, b := range sink.batches {
			assert.Len(t, b, 2)
		}
	})

	t.Run("flushes partial batches on the interval", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, config.JournalConfig{BufferSize: 10, BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go r.Run(ctx)

		r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), 0)
		assert.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("drains the buffer on shutdown", func(t *testing.T) {
		sink := &memorySink{}
		r := NewRecorder(sink, config.JournalConfig{BufferSize: 10, BatchSize: 100, FlushInterval: time.Hour}, zaptest.NewLogger(t))
		for i := 0; i < 3; i++ {
			r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), 0)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, r.Run(ctx), context.Canceled)
		assert.Equal(t, 3, sink.count())
	})

	t.Run("drops entries when the buffer is full", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		r := NewRecorder(&memorySink{}, config.JournalConfig{BufferSize: 1, BatchSize: 1, FlushInterval: time.Hour}, zap.New(core))

		for i := 0; i < 3; i++ {
			r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), 0)
		}
		_, dropped, _ := r.Stats()
		assert.Equal(t, int64(2), dropped)
		assert.Equal(t, 1, logs.FilterMessage("Journal buffer full, dropping entries.").Len(), "warn once")
	})

	t.Run("sink errors are logged and do not stop the recorder", func(t *testing.T) {
		core, logs := observer.New(zapcore.ErrorLevel)
		sink := &memorySink{err: errors.New("connection reset")}
		r := NewRecorder(sink, config.JournalConfig{BufferSize: 4, BatchSize: 1, FlushInterval: time.Hour}, zap.New(core))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go r.Run(ctx)

		r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), 0)
		r.CommandFinished("s1", finished(command.Get, command.Success(command.Context{}, nil)), 0)
		assert.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool { return logs.Len() == 2 }, time.Second, 5*time.Millisecond)
	})

	t.Run("counts dispatches and halts", func(t *testing.T) {
		r := NewRecorder(&memorySink{}, config.JournalConfig{}, zap.NewNop())
		cmd := finished(command.Get, command.FailedMessages(command.Context{}, "boom"))

		r.CommandDispatched("s1", cmd, 1)
		r.SessionHalted("s1", &scheduler.UnhandledCommandFailure{Command: cmd, Failure: cmd.Failure()})

		dispatched, dropped, halted := r.Stats()
		assert.Equal(t, int64(1), dispatched)
		assert.Zero(t, dropped)
		assert.Equal(t, int64(1), halted)
	})
}
