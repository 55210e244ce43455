package scheduler

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sequencer/internal/command"
)

// EventType names a session-level notification.
type EventType int

const (
	// EventPaused fires when PauseImmediately takes effect.
	EventPaused EventType = iota
	// EventResumed fires on Resume.
	EventResumed
	// EventError fires when a failure reaches the session unhandled and
	// processing halts.
	EventError
	// EventIdle fires when the root frame drains and nothing is pending.
	EventIdle
)

func (t EventType) String() string {
	switch t {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventError:
		return "error"
	case EventIdle:
		return "idle"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered to listeners registered with On.
type Event struct {
	Type EventType
	// Err is set for EventError.
	Err *UnhandledCommandFailure
}

// Listener receives session events on the executor.
type Listener func(Event)

// ListenerKey identifies a registration for Off.
type ListenerKey uint64

type eventListener struct {
	key ListenerKey
	typ EventType
	fn  Listener
}

// Observer is told about every dispatch and every finished command. The
// journal and the metrics collector implement it.
type Observer interface {
	CommandDispatched(sessionID string, cmd *command.Command, depth int)
	CommandFinished(sessionID string, cmd *command.Command, elapsed time.Duration)
	SessionHalted(sessionID string, failure *UnhandledCommandFailure)
}

// UnhandledCommandFailure is a command failure that reached the session
// with no handler. Processing halts until the command is aborted or the
// session resumed.
type UnhandledCommandFailure struct {
	Command *command.Command
	Failure *command.CommandFailure
}

func (e *UnhandledCommandFailure) Error() string {
	return fmt.Sprintf("unhandled failure: %v", e.Failure)
}

func (e *UnhandledCommandFailure) Unwrap() error { return e.Failure }

// On registers fn for events of type t.
func (s *Scheduler) On(t EventType, fn Listener) ListenerKey {
	s.nextEventKey++
	s.listeners = append(s.listeners, eventListener{key: s.nextEventKey, typ: t, fn: fn})
	return s.nextEventKey
}

// Off unregisters a listener added with On.
func (s *Scheduler) Off(key ListenerKey) {
	for i, l := range s.listeners {
		if l.key == key {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	snapshot := append([]eventListener(nil), s.listeners...)
	for _, l := range snapshot {
		if l.typ == ev.Type {
			l.fn(ev)
		}
	}
}

// OnError registers a session-level failure handler, the last level a
// failure reaches before it becomes fatal.
func (s *Scheduler) OnError(h command.ErrorHandler, once bool) uint64 {
	return s.errors.Add(h, once)
}

// RemoveErrorListener unregisters a handler added with OnError.
func (s *Scheduler) RemoveErrorListener(key uint64) { s.errors.Remove(key) }

// ErrorParent implements command.ErrorTarget. The session is the root.
func (s *Scheduler) ErrorParent() command.ErrorTarget { return nil }

// FireError implements command.ErrorTarget. A failure nobody handles here
// halts the session.
func (s *Scheduler) FireError(ev *command.FailureEvent) command.Disposition {
	verdict := s.errors.Fire(ev)
	if verdict == command.Handled || ev.Command.IsDisposed() {
		return verdict
	}

	s.fatal = &UnhandledCommandFailure{Command: ev.Command, Failure: ev.Err}
	s.logger.Error("Unhandled command failure, halting session.",
		zap.String("command", ev.Command.String()),
		zap.Error(ev.Err),
	)
	for _, o := range s.observers {
		o.SessionHalted(s.id, s.fatal)
	}
	s.emit(Event{Type: EventError, Err: s.fatal})
	return command.Unhandled
}
