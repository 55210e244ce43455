package command

// Disposition is a listener's verdict on a failure notification.
type Disposition int

const (
	// Unhandled lets the failure keep bubbling toward the session.
	Unhandled Disposition = iota
	// Handled stops propagation at the current level.
	Handled
)

func (d Disposition) String() string {
	if d == Handled {
		return "handled"
	}
	return "unhandled"
}

// FailureEvent travels from a failed command up through its ancestors.
type FailureEvent struct {
	Command  *Command
	Response Response
	Err      *CommandFailure

	// HandledBy is the level that stopped propagation, nil while bubbling
	// or when nobody did.
	HandledBy ErrorTarget
}

// ErrorHandler reacts to a failure notification.
type ErrorHandler func(ev *FailureEvent) Disposition

// ErrorTarget is one level of the bubbling hierarchy: a command or the
// session at the root.
type ErrorTarget interface {
	// FireError runs the listeners registered on this level.
	FireError(ev *FailureEvent) Disposition
	// ErrorParent returns the next level up, nil at the root.
	ErrorParent() ErrorTarget
}

// Bubble walks from origin to the root, stopping at the first level that
// handles ev. Aborting the failed command from a listener counts as
// handling it.
func Bubble(origin ErrorTarget, ev *FailureEvent) Disposition {
	for target := origin; target != nil; {
		// Read the parent first: a listener may abort and detach target.
		parent := target.ErrorParent()
		verdict := target.FireError(ev)
		if verdict == Handled || ev.Command.IsDisposed() {
			ev.HandledBy = target
			return Handled
		}
		target = parent
	}
	return Unhandled
}

type errorListener struct {
	key     uint64
	handler ErrorHandler
	once    bool
	removed bool
}

// listenerSet runs error handlers in registration order.
type listenerSet struct {
	listeners []*errorListener
	nextKey   uint64
}

func (s *listenerSet) add(h ErrorHandler, once bool) uint64 {
	s.nextKey++
	s.listeners = append(s.listeners, &errorListener{key: s.nextKey, handler: h, once: once})
	return s.nextKey
}

func (s *listenerSet) remove(key uint64) {
	for i, l := range s.listeners {
		if l.key == key {
			l.removed = true
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// fire invokes every live listener; any Handled verdict wins, but the
// remaining listeners at this level still run.
func (s *listenerSet) fire(ev *FailureEvent) Disposition {
	snapshot := make([]*errorListener, len(s.listeners))
	copy(snapshot, s.listeners)

	verdict := Unhandled
	for _, l := range snapshot {
		if l.removed {
			continue
		}
		if l.once {
			s.remove(l.key)
		}
		if l.handler(ev) == Handled {
			verdict = Handled
		}
	}
	return verdict
}

func (s *listenerSet) clear() {
	for _, l := range s.listeners {
		l.removed = true
	}
	s.listeners = nil
}

// Listeners is an exported listener set for ErrorTarget implementations
// outside this package, such as the session.
type Listeners struct {
	set listenerSet
}

// Add registers h and returns a key for Remove.
func (l *Listeners) Add(h ErrorHandler, once bool) uint64 { return l.set.add(h, once) }

// Remove unregisters the handler identified by key.
func (l *Listeners) Remove(key uint64) { l.set.remove(key) }

// Fire runs the registered handlers.
func (l *Listeners) Fire(ev *FailureEvent) Disposition { return l.set.fire(ev) }

// Len returns the number of registered handlers.
func (l *Listeners) Len() int { return len(l.set.listeners) }
