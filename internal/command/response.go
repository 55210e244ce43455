package command

import (
	"errors"
	"fmt"
	"strings"
)

// Context is the ambient window/frame subsequent commands target.
type Context struct {
	WindowID string `json:"window_id"`
	FrameID  string `json:"frame_id"`
}

// String serializes the context as "<windowId> <frameId>".
func (c Context) String() string {
	return c.WindowID + " " + c.FrameID
}

// ParseContext is the inverse of Context.String.
func ParseContext(s string) (Context, error) {
	if s == "" {
		return Context{}, nil
	}
	window, frame, ok := strings.Cut(s, " ")
	if !ok {
		return Context{}, fmt.Errorf("malformed context %q: want \"<windowId> <frameId>\"", s)
	}
	if strings.Contains(frame, " ") {
		return Context{}, fmt.Errorf("malformed context %q: frame id contains a space", s)
	}
	return Context{WindowID: window, FrameID: frame}, nil
}

// Response is the outcome of one command. It is never mutated after
// construction.
type Response struct {
	Failure bool
	Context Context
	Value   any
	Errors  []error
}

// Success builds a successful response carrying v.
func Success(ctx Context, v any) Response {
	return Response{Context: ctx, Value: v}
}

// Failed builds a failure response. A failure always carries at least one
// error.
func Failed(ctx Context, errs ...error) Response {
	kept := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, errors.New("command failed"))
	}
	return Response{Failure: true, Context: ctx, Errors: kept}
}

// FailedMessages builds a failure response from plain messages, the shape
// backends that report string errors produce.
func FailedMessages(ctx Context, msgs ...string) Response {
	errs := make([]error, len(msgs))
	for i, m := range msgs {
		errs[i] = errors.New(m)
	}
	return Failed(ctx, errs...)
}

// ErrorStrings returns the messages of r.Errors in order.
func (r Response) ErrorStrings() []string {
	out := make([]string, len(r.Errors))
	for i, err := range r.Errors {
		out[i] = err.Error()
	}
	return out
}

// CommandFailure is the error carried by a failed command's response.
type CommandFailure struct {
	Name      Name
	CommandID string
	Errors    []error
}

func (e *CommandFailure) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("command %s (%s) failed: %s", e.Name, e.CommandID, strings.Join(msgs, "; "))
}

// Unwrap exposes the backend errors to errors.Is and errors.As.
func (e *CommandFailure) Unwrap() []error { return e.Errors }

// Err folds a failure's errors into one *CommandFailure. It returns nil for
// a successful response.
func (r Response) Err() error {
	if !r.Failure {
		return nil
	}
	return &CommandFailure{Errors: r.Errors}
}
