// Package command defines the unit of deferred work: a named operation with
// parameters that may still be pending futures, a write-once response and
// an owned result future.
package command

import (
	"github.com/google/uuid"

	"github.com/xkilldash9x/sequencer/internal/future"
)

// Session is the owner a command reports back to.
type Session interface {
	// SetContext installs the ambient context carried by a response.
	SetContext(ctx Context)
	// CommandFinished is called once the response is stored, before the
	// result is delivered or the failure bubbles.
	CommandFinished(c *Command)
}

// pendingResult is the type of Pending.
type pendingResult struct{}

// Pending is returned by a WAIT or FUNCTION body that will call
// SetResponse on its command later. The processor produces no response
// for it.
var Pending = pendingResult{}

// Command is one scheduled operation.
type Command struct {
	id         string
	name       Name
	target     any
	parameters []any

	session  Session
	response *Response
	result   *future.Future
	parent   ErrorTarget
	errors   listenerSet

	errorHandled bool
	disposed     bool
}

var _ ErrorTarget = (*Command)(nil)

// New creates a command owned by session. session may be nil for commands
// that never leave a test.
func New(session Session, name Name) *Command {
	return &Command{
		id:      uuid.NewString(),
		name:    name,
		session: session,
		result:  future.New(string(name)),
	}
}

// ID returns the command's unique identifier.
func (c *Command) ID() string { return c.id }

// Name returns the catalog name.
func (c *Command) Name() Name { return c.name }

func (c *Command) String() string {
	return string(c.name) + "#" + c.id[:8]
}

// Target returns the subject handle, possibly a future.
func (c *Command) Target() any { return c.target }

// SetTarget sets the subject handle the command acts on.
func (c *Command) SetTarget(target any) *Command {
	c.target = target
	return c
}

// SetParameters replaces the parameter list. Futures are stored as given
// and resolved at dispatch.
func (c *Command) SetParameters(values ...any) *Command {
	c.parameters = append([]any(nil), values...)
	return c
}

// Parameters returns the stored parameter list.
func (c *Command) Parameters() []any { return c.parameters }

// Result returns the future resolved with the response value on success.
func (c *Command) Result() *future.Future { return c.result }

// Response returns the applied response, nil until finished.
func (c *Command) Response() *Response { return c.response }

// IsFinished reports whether a response has been applied.
func (c *Command) IsFinished() bool { return c.response != nil }

// IsFailed reports whether the applied response is a failure.
func (c *Command) IsFailed() bool { return c.response != nil && c.response.Failure }

// IsDisposed reports whether the command has been released.
func (c *Command) IsDisposed() bool { return c.disposed }

// ErrorHandled reports whether a listener handled this command's failure.
func (c *Command) ErrorHandled() bool { return c.errorHandled }

// MarkErrorHandled acknowledges a failure after the fact.
func (c *Command) MarkErrorHandled() { c.errorHandled = true }

// SetParent places the command in the bubbling hierarchy.
func (c *Command) SetParent(parent ErrorTarget) { c.parent = parent }

// ErrorParent implements ErrorTarget.
func (c *Command) ErrorParent() ErrorTarget { return c.parent }

// FireError implements ErrorTarget.
func (c *Command) FireError(ev *FailureEvent) Disposition { return c.errors.fire(ev) }

// OnError registers a failure handler on this command. Handlers on a
// command see failures of the command itself and of its descendants.
func (c *Command) OnError(h ErrorHandler, once bool) uint64 { return c.errors.add(h, once) }

// RemoveErrorListener unregisters a handler added with OnError.
func (c *Command) RemoveErrorListener(key uint64) { c.errors.remove(key) }

// Failure returns the typed error of a failed command, nil otherwise.
func (c *Command) Failure() *CommandFailure {
	if !c.IsFailed() {
		return nil
	}
	return &CommandFailure{Name: c.name, CommandID: c.id, Errors: c.response.Errors}
}

// SetResponse applies r exactly once. Later calls, and calls after
// disposal, are ignored: an abort may race a late backend response.
func (c *Command) SetResponse(r Response) {
	if c.disposed || c.response != nil {
		return
	}
	c.response = &r
	if c.session != nil {
		c.session.SetContext(r.Context)
		c.session.CommandFinished(c)
	}
	if c.disposed {
		return
	}

	if !r.Failure {
		_ = c.result.SetValue(r.Value)
	} else {
		ev := &FailureEvent{Command: c, Response: r, Err: c.Failure()}
		if Bubble(c, ev) == Handled && !c.disposed {
			c.errorHandled = true
		}
	}
}

// Dispose releases parameters, response, result future and parent. It is
// idempotent.
func (c *Command) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true
	c.parameters = nil
	c.target = nil
	c.response = nil
	if c.result != nil {
		c.result.Dispose()
		c.result = nil
	}
	c.parent = nil
	c.errors.clear()
}
