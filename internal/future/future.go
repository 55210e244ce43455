// Package future provides the single-assignment value cell that every
// scheduled command resolves into.
//
// A Future is owned by the loop goroutine: SetValue, OnChange and Value are
// only called from there. Goroutines outside the loop observe settlement
// through Await or Done.
package future

import (
	"context"
	"errors"
	"fmt"
)

// ErrAlreadySet is returned when a second writer tries to settle a future.
var ErrAlreadySet = errors.New("future: value already set")

// ErrDisposed is returned when a released future is written or awaited.
var ErrDisposed = errors.New("future: disposed")

// NotReadyError reports a read of a future that has not been set yet.
// It always indicates an ordering bug in the caller.
type NotReadyError struct {
	Owner string
}

func (e *NotReadyError) Error() string {
	if e.Owner == "" {
		return "future: value read before it was set"
	}
	return fmt.Sprintf("future: value of %s read before it was set", e.Owner)
}

// Listener receives the value delivered by SetValue.
type Listener func(value any)

// ListenerKey identifies a registered listener so it can be removed.
type ListenerKey uint64

type listener struct {
	key     ListenerKey
	fn      Listener
	once    bool
	removed bool
}

// Future is a value that becomes available later.
type Future struct {
	owner     string
	isSet     bool
	value     any
	disposed  bool
	listeners []*listener
	onDispose []*listener
	nextKey   ListenerKey

	done     chan struct{}
	released chan struct{}
}

// New creates an unset future. owner labels the future in NotReadyError
// messages, typically the name of the command that will settle it.
func New(owner string) *Future {
	return &Future{
		owner:    owner,
		done:     make(chan struct{}),
		released: make(chan struct{}),
	}
}

// Resolved returns a future that is already set to v.
func Resolved(v any) *Future {
	f := New("resolved")
	_ = f.SetValue(v)
	return f
}

// Owner returns the label given at construction.
func (f *Future) Owner() string { return f.owner }

// IsSet reports whether the value has been delivered.
func (f *Future) IsSet() bool { return f.isSet }

// IsDisposed reports whether the future has been released.
func (f *Future) IsDisposed() bool { return f.disposed }

// Value returns the delivered value or a *NotReadyError.
func (f *Future) Value() (any, error) {
	if !f.isSet {
		return nil, &NotReadyError{Owner: f.owner}
	}
	return f.value, nil
}

// MustValue is Value for callers that have already checked IsSet.
func (f *Future) MustValue() any {
	v, err := f.Value()
	if err != nil {
		panic(err)
	}
	return v
}

// SetValue transitions the future to set and notifies listeners in
// registration order. One-shot listeners are dropped afterwards.
func (f *Future) SetValue(v any) error {
	if f.disposed {
		return ErrDisposed
	}
	if f.isSet {
		return ErrAlreadySet
	}
	f.isSet = true
	f.value = v
	f.onDispose = nil
	close(f.done)

	// Snapshot so listeners registered during notification wait for
	// nothing and listeners removed during notification stay silent.
	snapshot := make([]*listener, len(f.listeners))
	copy(snapshot, f.listeners)
	for _, l := range snapshot {
		if l.removed || f.disposed {
			continue
		}
		if l.once {
			l.removed = true
		}
		l.fn(v)
	}

	kept := f.listeners[:0]
	for _, l := range f.listeners {
		if !l.removed {
			kept = append(kept, l)
		}
	}
	f.listeners = kept
	return nil
}

// OnChange registers fn to run when the value is set. Registering on a
// future that is already set does not invoke fn; check IsSet first.
func (f *Future) OnChange(fn Listener, once bool) ListenerKey {
	f.nextKey++
	f.listeners = append(f.listeners, &listener{key: f.nextKey, fn: fn, once: once})
	return f.nextKey
}

// OnDispose registers fn to run once if the future is disposed. It never
// runs for a future that was set first, nor retroactively.
func (f *Future) OnDispose(fn func()) ListenerKey {
	f.nextKey++
	f.onDispose = append(f.onDispose, &listener{key: f.nextKey, fn: func(any) { fn() }, once: true})
	return f.nextKey
}

// RemoveListener unregisters the listener or dispose hook identified by
// key. Unknown keys are ignored.
func (f *Future) RemoveListener(key ListenerKey) {
	f.listeners = removeKey(f.listeners, key)
	f.onDispose = removeKey(f.onDispose, key)
}

func removeKey(ls []*listener, key ListenerKey) []*listener {
	for i, l := range ls {
		if l.key == key {
			l.removed = true
			return append(ls[:i], ls[i+1:]...)
		}
	}
	return ls
}

// ListenerCount returns the number of registered listeners.
func (f *Future) ListenerCount() int { return len(f.listeners) }

// Dispose drops pending listeners, runs dispose hooks if the value was
// never set, and releases any Await callers.
func (f *Future) Dispose() {
	if f.disposed {
		return
	}
	f.disposed = true
	for _, l := range f.listeners {
		l.removed = true
	}
	f.listeners = nil
	hooks := f.onDispose
	f.onDispose = nil
	close(f.released)

	if f.isSet {
		return
	}
	for _, h := range hooks {
		if !h.removed {
			h.removed = true
			h.fn(nil)
		}
	}
}

// Done is closed once the value is set.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future is set, disposed, or ctx is done. It must
// not be called from the loop goroutine that settles the future.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, nil
	default:
	}
	select {
	case <-f.done:
		return f.value, nil
	case <-f.released:
		return nil, ErrDisposed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get reads v as a T, returning an error when the future is unset or holds
// a value of another type.
func Get[T any](f *Future) (T, error) {
	var zero T
	v, err := f.Value()
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("future %s holds %T, not %T", f.owner, v, zero)
	}
	return t, nil
}
