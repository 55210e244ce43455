package journal

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
)

// Sink receives batches of entries. *Store is the production sink.
type Sink interface {
	Persist(ctx context.Context, entries []Entry) error
}

// Recorder observes sessions and hands their finished commands to a sink in
// batches. Observer callbacks never block the session: when the buffer is
// full, entries are dropped and counted.
type Recorder struct {
	sink          Sink
	logger        *zap.Logger
	entries       chan Entry
	batchSize     int
	flushInterval time.Duration

	dispatched atomic.Int64
	dropped    atomic.Int64
	halted     atomic.Int64
}

var _ scheduler.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder. Call Run to start flushing.
func NewRecorder(sink Sink, cfg config.JournalConfig, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Recorder{
		sink:          sink,
		logger:        logger.Named("journal"),
		entries:       make(chan Entry, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}
}

// CommandDispatched implements scheduler.Observer.
func (r *Recorder) CommandDispatched(string, *command.Command, int) {
	r.dispatched.Add(1)
}

// CommandFinished implements scheduler.Observer.
func (r *Recorder) CommandFinished(sessionID string, cmd *command.Command, elapsed time.Duration) {
	entry := NewEntry(sessionID, cmd, elapsed, time.Now())
	select {
	case r.entries <- entry:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("Journal buffer full, dropping entries.", zap.String("session_id", sessionID))
		}
	}
}

// SessionHalted implements scheduler.Observer.
func (r *Recorder) SessionHalted(sessionID string, failure *scheduler.UnhandledCommandFailure) {
	r.halted.Add(1)
	r.logger.Warn("Session halted on an unhandled failure.",
		zap.String("session_id", sessionID),
		zap.String("command", failure.Command.String()),
		zap.Error(failure.Failure),
	)
}

// Stats reports how many commands were dispatched, dropped from the buffer,
// and how many sessions halted.
func (r *Recorder) Stats() (dispatched, dropped, halted int64) {
	return r.dispatched.Load(), r.dropped.Load(), r.halted.Load()
}

// Run flushes batches until ctx is cancelled, then writes whatever is still
// buffered before returning.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.sink.Persist(ctx, batch); err != nil {
			r.logger.Error("Failed to persist journal batch.", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = make([]Entry, 0, r.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			// The run context is gone; the final flush gets its own budget.
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case e := <-r.entries:
					batch = append(batch, e)
					if len(batch) >= r.batchSize {
						flush(drainCtx)
					}
				default:
					flush(drainCtx)
					return ctx.Err()
				}
			}
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
