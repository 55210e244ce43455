// Package scheduler implements the automation session: a nested frame stack
// of queued commands drained one command per tick, with cascading abort,
// pause/resume and bubbling failure handling.
//
// Every method must run on the session's executor. Code on other
// goroutines schedules work through loop.Loop.Do.
package scheduler

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/loop"
	"github.com/xkilldash9x/sequencer/internal/processor"
	"github.com/xkilldash9x/sequencer/internal/wait"
)

// DefaultTickInterval is the period of the processing tick.
const DefaultTickInterval = 10 * time.Millisecond

// Options tune a Scheduler. Zero values select the defaults.
type Options struct {
	TickInterval time.Duration
	PollInterval time.Duration
	Observers    []Observer
}

// Scheduler is one automation session.
//
// Queued commands live in a single arena. Frame i holds
// queue[frameStarts[i]:frameStarts[i+1]], the last frame runs to the end
// of the arena, and frame i+1 belongs to pending[i]. So
// len(frameStarts) == len(pending)+1 always holds.
type Scheduler struct {
	id        string
	exec      loop.Executor
	processor *processor.Processor
	logger    *zap.Logger

	tickInterval time.Duration
	pollInterval time.Duration
	tickTimer    loop.Timer

	queue       []*command.Command
	frameStarts []int
	pending     []*command.Command

	paused bool
	idle   bool
	fatal  *UnhandledCommandFailure
	ctx    command.Context

	dispatchedAt map[*command.Command]time.Time
	waits        map[*command.Command]*wait.ConditionWait

	errors       command.Listeners
	listeners    []eventListener
	nextEventKey ListenerKey
	observers    []Observer
}

var (
	_ command.Session         = (*Scheduler)(nil)
	_ command.ErrorTarget     = (*Scheduler)(nil)
	_ processor.ContextSource = (*Scheduler)(nil)
)

// New creates a session dispatching catalog commands to backend.
func New(exec loop.Executor, backend processor.Backend, logger *zap.Logger, opts Options) *Scheduler {
	id := uuid.NewString()
	s := &Scheduler{
		id:           id,
		exec:         exec,
		logger:       logger.Named("scheduler").With(zap.String("session_id", id)),
		tickInterval: opts.TickInterval,
		pollInterval: opts.PollInterval,
		frameStarts:  []int{0},
		dispatchedAt: make(map[*command.Command]time.Time),
		waits:        make(map[*command.Command]*wait.ConditionWait),
		observers:    opts.Observers,
	}
	if s.tickInterval <= 0 {
		s.tickInterval = DefaultTickInterval
	}
	if s.pollInterval <= 0 {
		s.pollInterval = wait.DefaultPollInterval
	}
	s.processor = processor.New(exec, backend, s, s.logger)
	return s
}

// ID returns the session identifier.
func (s *Scheduler) ID() string { return s.id }

// Context returns the ambient window/frame context.
func (s *Scheduler) Context() command.Context { return s.ctx }

// SetContext implements command.Session.
func (s *Scheduler) SetContext(ctx command.Context) { s.ctx = ctx }

// CommandFinished implements command.Session.
func (s *Scheduler) CommandFinished(cmd *command.Command) {
	start, ok := s.dispatchedAt[cmd]
	if !ok {
		return
	}
	delete(s.dispatchedAt, cmd)
	elapsed := s.exec.Now().Sub(start)
	for _, o := range s.observers {
		o.CommandFinished(s.id, cmd, elapsed)
	}
	// Close the command's frame once bubbling has settled.
	s.exec.Post(s.unwind)
}

// NewCommand creates a command owned by this session. It is not scheduled.
func (s *Scheduler) NewCommand(name command.Name) *command.Command {
	return command.New(s, name)
}

// AddCommand appends cmd to the current top frame and returns its result
// future.
func (s *Scheduler) AddCommand(cmd *command.Command) *future.Future {
	s.queue = append(s.queue, cmd)
	s.idle = false
	return cmd.Result()
}

// Schedule is AddCommand for a fresh command built from name, target and
// parameters.
func (s *Scheduler) Schedule(name command.Name, target any, params ...any) *future.Future {
	return s.AddCommand(s.NewCommand(name).SetTarget(target).SetParameters(params...))
}

// Start arms the periodic tick.
func (s *Scheduler) Start() {
	if s.tickTimer != nil {
		return
	}
	s.tickTimer = s.exec.AfterFunc(s.tickInterval, s.onTick)
}

// Stop disarms the periodic tick. Queued work stays queued.
func (s *Scheduler) Stop() {
	if s.tickTimer == nil {
		return
	}
	s.tickTimer.Stop()
	s.tickTimer = nil
}

func (s *Scheduler) onTick() {
	s.tickTimer = s.exec.AfterFunc(s.tickInterval, s.onTick)
	s.Tick()
}

// Tick dispatches at most one command.
func (s *Scheduler) Tick() {
	if s.paused || s.fatal != nil {
		return
	}
	if top := s.topPending(); top != nil && !top.IsDisposed() {
		// A pending WAIT lets its condition's sub-commands run in its frame.
		if !top.IsFinished() && top.Name() != command.Wait {
			return
		}
		if top.IsFailed() && !top.ErrorHandled() {
			return
		}
	}

	cmd := s.nextCommand()
	if cmd == nil {
		if len(s.pending) == 0 && !s.idle {
			s.idle = true
			s.emit(Event{Type: EventIdle})
		}
		return
	}

	s.frameStarts = append(s.frameStarts, len(s.queue))
	s.pending = append(s.pending, cmd)
	if n := len(s.pending); n > 1 {
		cmd.SetParent(s.pending[n-2])
	} else {
		cmd.SetParent(s)
	}

	s.dispatchedAt[cmd] = s.exec.Now()
	for _, o := range s.observers {
		o.CommandDispatched(s.id, cmd, len(s.pending))
	}
	s.logger.Debug("Dispatching command.",
		zap.String("command", cmd.String()),
		zap.Int("depth", len(s.pending)),
	)
	s.processor.Execute(cmd)
	s.unwind()
}

// nextCommand unwinds finished frames and pops the next live command off
// the top frame.
func (s *Scheduler) nextCommand() *command.Command {
	for {
		s.unwind()
		start := s.frameStarts[len(s.frameStarts)-1]
		if start == len(s.queue) {
			return nil
		}
		cmd := s.queue[start]
		s.queue = slices.Delete(s.queue, start, start+1)
		if !cmd.IsDisposed() {
			return cmd
		}
	}
}

// unwind pops empty frames together with their pending command once that
// command has finished. A failure nobody handled stays on the stack.
func (s *Scheduler) unwind() {
	for top := len(s.frameStarts) - 1; top > 0; top-- {
		if s.frameStarts[top] < len(s.queue) {
			return
		}
		owner := s.pending[top-1]
		if !owner.IsDisposed() {
			if !owner.IsFinished() || (owner.IsFailed() && !owner.ErrorHandled()) {
				return
			}
		}
		s.frameStarts = s.frameStarts[:top]
		s.pending = s.pending[:top-1]
	}
}

func (s *Scheduler) topPending() *command.Command {
	if len(s.pending) == 0 {
		return nil
	}
	return s.pending[len(s.pending)-1]
}

// AbortCommand pops every frame and pending command from the top down to
// and including target, disposing each of them and every command still
// queued in the popped frames. A nil target aborts back to the root,
// discarding the root frame's queue too. It returns the number of disposed
// commands, 0 when target is not pending.
func (s *Scheduler) AbortCommand(target *command.Command) int {
	depth, cut := 0, 0
	if target != nil {
		depth = slices.Index(s.pending, target)
		if depth < 0 {
			return 0
		}
		cut = s.frameStarts[depth+1]
	}

	queued := s.queue[cut:]
	popped := s.pending[depth:]

	n := 0
	for _, cmd := range queued {
		n += s.discard(cmd)
	}
	for i := len(popped) - 1; i >= 0; i-- {
		n += s.discard(popped[i])
	}

	s.queue = s.queue[:cut]
	s.pending = s.pending[:depth]
	s.frameStarts = s.frameStarts[:depth+1]

	if s.fatal != nil && s.fatal.Command.IsDisposed() {
		s.fatal = nil
	}
	s.logger.Debug("Aborted commands.", zap.Int("count", n), zap.Int("depth", depth))
	return n
}

func (s *Scheduler) discard(cmd *command.Command) int {
	if cmd.IsDisposed() {
		return 0
	}
	if w, ok := s.waits[cmd]; ok {
		w.Cancel()
		delete(s.waits, cmd)
	}
	delete(s.dispatchedAt, cmd)
	cmd.Dispose()
	return 1
}

// PauseImmediately stops new dispatches. The in-flight command is not
// cancelled.
func (s *Scheduler) PauseImmediately() {
	if s.paused {
		return
	}
	s.paused = true
	s.emit(Event{Type: EventPaused})
}

// Resume clears the pause flag. It also acknowledges a fatal failure so
// processing continues past the failed command. It is a no-op when the
// session is neither paused nor halted.
func (s *Scheduler) Resume() {
	if !s.paused && s.fatal == nil {
		return
	}
	if s.fatal != nil {
		s.fatal.Command.MarkErrorHandled()
		s.fatal = nil
	}
	s.paused = false
	s.emit(Event{Type: EventResumed})
}

// IsIdle reports whether nothing is queued or pending.
func (s *Scheduler) IsIdle() bool { return len(s.pending) == 0 && len(s.queue) == 0 }

// Fatal returns the failure that halted the session, nil while healthy.
func (s *Scheduler) Fatal() *UnhandledCommandFailure { return s.fatal }

// Reset disposes all queued and pending work and clears the halt state.
func (s *Scheduler) Reset() {
	s.AbortCommand(nil)
	s.fatal = nil
	s.paused = false
	s.idle = false
	s.ctx = command.Context{}
}

// Depth returns the number of frames.
func (s *Scheduler) Depth() int { return len(s.frameStarts) }

// PendingCount returns the number of dispatched, unfinished levels.
func (s *Scheduler) PendingCount() int { return len(s.pending) }

// QueuedCount returns the number of queued commands across all frames.
func (s *Scheduler) QueuedCount() int { return len(s.queue) }

func (s *Scheduler) checkInvariants() error {
	if len(s.frameStarts) != len(s.pending)+1 {
		return fmt.Errorf("%d frames for %d pending commands", len(s.frameStarts), len(s.pending))
	}
	if s.frameStarts[0] != 0 {
		return fmt.Errorf("root frame starts at %d", s.frameStarts[0])
	}
	for i := 1; i < len(s.frameStarts); i++ {
		if s.frameStarts[i] < s.frameStarts[i-1] {
			return fmt.Errorf("frame %d starts before frame %d", i, i-1)
		}
	}
	if last := s.frameStarts[len(s.frameStarts)-1]; last > len(s.queue) {
		return fmt.Errorf("top frame starts at %d past arena end %d", last, len(s.queue))
	}
	return nil
}
