// Package processor resolves a command's parameters and runs it: the
// SLEEP, WAIT and FUNCTION built-ins locally, everything else through a
// Backend.
package processor

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/loop"
)

// Backend executes catalog commands against a browser. Execute must call
// cmd.SetResponse at most once, on the executor's goroutine; asynchronous
// implementations post the response through the executor.
type Backend interface {
	Execute(cmd *command.Command)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(cmd *command.Command)

// Execute calls f.
func (f BackendFunc) Execute(cmd *command.Command) { f(cmd) }

// ContextSource reports the session's ambient context.
type ContextSource interface {
	Context() command.Context
}

// ErrNoFunction is the failure of a WAIT or FUNCTION command whose first
// parameter is not a supported function.
var ErrNoFunction = errors.New("first parameter is not a callable function")

// Processor dispatches commands. It never panics and never returns an
// error: every failure becomes a failure Response on the command.
type Processor struct {
	exec    loop.Executor
	backend Backend
	session ContextSource
	logger  *zap.Logger
}

// New creates a processor. backend may be nil when only built-ins are used.
func New(exec loop.Executor, backend Backend, session ContextSource, logger *zap.Logger) *Processor {
	return &Processor{
		exec:    exec,
		backend: backend,
		session: session,
		logger:  logger.Named("processor"),
	}
}

// Execute resolves cmd's parameters and dispatches it.
func (p *Processor) Execute(cmd *command.Command) {
	if cmd.IsDisposed() || cmd.IsFinished() {
		return
	}
	defer p.recoverInto(cmd)

	target, err := Resolve(cmd.Target())
	if err != nil {
		p.fail(cmd, fmt.Errorf("resolving target of %s: %w", cmd.Name(), err))
		return
	}
	params := cmd.Parameters()
	resolved := make([]any, len(params))
	for i, v := range params {
		if resolved[i], err = Resolve(v); err != nil {
			p.fail(cmd, fmt.Errorf("resolving parameter %d of %s: %w", i, cmd.Name(), err))
			return
		}
	}
	cmd.SetTarget(target).SetParameters(resolved...)

	switch cmd.Name() {
	case command.Sleep:
		p.sleep(cmd, resolved)
	case command.Wait, command.Function:
		p.invoke(cmd, resolved)
	default:
		if p.backend == nil {
			p.fail(cmd, fmt.Errorf("no backend to execute %s", cmd.Name()))
			return
		}
		p.backend.Execute(cmd)
	}
}

func (p *Processor) sleep(cmd *command.Command, params []any) {
	var d time.Duration
	if len(params) > 0 {
		ms, err := toMillis(params[0])
		if err != nil {
			p.fail(cmd, fmt.Errorf("sleep duration: %w", err))
			return
		}
		d = ms
	}
	p.exec.AfterFunc(d, func() {
		cmd.SetResponse(command.Success(p.context(), nil))
	})
}

func (p *Processor) invoke(cmd *command.Command, params []any) {
	if len(params) == 0 {
		p.fail(cmd, ErrNoFunction)
		return
	}
	v, err := Call(params[0])
	if err != nil {
		p.fail(cmd, err)
		return
	}
	if v == command.Pending {
		return
	}
	cmd.SetResponse(command.Success(p.context(), v))
}

// Call invokes fn, which must be one of func(), func() any, func() error or
// func() (any, error).
func Call(fn any) (any, error) {
	switch f := fn.(type) {
	case func():
		f()
		return nil, nil
	case func() any:
		return f(), nil
	case func() error:
		return nil, f()
	case func() (any, error):
		return f()
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNoFunction, fn)
	}
}

func (p *Processor) recoverInto(cmd *command.Command) {
	r := recover()
	if r == nil {
		return
	}
	p.logger.Error("Recovered from panic during command execution.",
		zap.String("command", cmd.String()),
		zap.Any("panic_value", r),
		zap.String("stack", string(debug.Stack())),
	)
	// A panic from a listener of an already-settled command has nowhere
	// left to go.
	if !cmd.IsFinished() && !cmd.IsDisposed() {
		p.fail(cmd, fmt.Errorf("panic executing %s: %v", cmd.Name(), r))
	}
}

func (p *Processor) fail(cmd *command.Command, err error) {
	p.logger.Debug("Command failed locally.", zap.String("command", cmd.String()), zap.Error(err))
	cmd.SetResponse(command.Failed(p.context(), err))
}

func (p *Processor) context() command.Context {
	if p.session == nil {
		return command.Context{}
	}
	return p.session.Context()
}

// Resolve replaces futures with their values, walking slices, arrays, maps
// and structs recursively. Slices and arrays become []any and string-keyed
// maps become map[string]any. Maps with other key types and structs are
// returned unchanged unless they hold a future; then they become
// map[string]any keyed by fmt.Sprint of the key or by the field's json name.
// Functions and scalars pass through unchanged. An unset future yields
// *future.NotReadyError.
func Resolve(v any) (any, error) {
	out, _, err := resolve(v)
	return out, err
}

// resolve also reports whether a future was substituted anywhere in v.
func resolve(v any) (any, bool, error) {
	switch t := v.(type) {
	case nil:
		return nil, false, nil
	case *future.Future:
		val, err := t.Value()
		if err != nil {
			return nil, false, err
		}
		// A future may hold another structure containing futures.
		out, _, err := resolve(val)
		return out, true, err
	case string, bool, int, int64, float64, []byte, time.Duration:
		return v, false, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		changed := false
		for i := range out {
			elem, c, err := resolve(rv.Index(i).Interface())
			if err != nil {
				return nil, false, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = elem
			changed = changed || c
		}
		return out, changed, nil
	case reflect.Map:
		stringKeys := rv.Type().Key().Kind() == reflect.String
		out := make(map[string]any, rv.Len())
		changed := false
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			elem, c, err := resolve(iter.Value().Interface())
			if err != nil {
				return nil, false, fmt.Errorf("key %q: %w", key, err)
			}
			out[key] = elem
			changed = changed || c
		}
		if !stringKeys && !changed {
			return v, false, nil
		}
		return out, changed, nil
	case reflect.Struct:
		return resolveStruct(v, rv)
	default:
		return v, false, nil
	}
}

func resolveStruct(v any, rv reflect.Value) (any, bool, error) {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	changed := false
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, _, _ := strings.Cut(field.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		elem, c, err := resolve(rv.Field(i).Interface())
		if err != nil {
			return nil, false, fmt.Errorf("field %s: %w", field.Name, err)
		}
		out[name] = elem
		changed = changed || c
	}
	if !changed {
		return v, false, nil
	}
	return out, true, nil
}

func toMillis(v any) (time.Duration, error) {
	switch n := v.(type) {
	case time.Duration:
		return n, nil
	case int:
		return time.Duration(n) * time.Millisecond, nil
	case int64:
		return time.Duration(n) * time.Millisecond, nil
	case float64:
		return time.Duration(n * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("want milliseconds, got %T", v)
	}
}
