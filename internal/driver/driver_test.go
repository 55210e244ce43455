package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/locator"
	"github.com/xkilldash9x/sequencer/internal/loop"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
)

type call struct {
	name   command.Name
	target any
	params []any
}

// scriptedBackend answers every command synchronously.
type scriptedBackend struct {
	calls   []call
	respond func(cmd *command.Command) command.Response
}

func (b *scriptedBackend) Execute(cmd *command.Command) {
	b.calls = append(b.calls, call{name: cmd.Name(), target: cmd.Target(), params: cmd.Parameters()})
	if b.respond != nil {
		cmd.SetResponse(b.respond(cmd))
		return
	}
	cmd.SetResponse(command.Success(command.Context{WindowID: "w1"}, nil))
}

func (b *scriptedBackend) names() []command.Name {
	out := make([]command.Name, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.name
	}
	return out
}

func newDriver(t *testing.T, backend *scriptedBackend) (*Driver, *loop.Manual) {
	t.Helper()
	clock := loop.NewManual(time.Unix(0, 0))
	s := scheduler.New(clock, backend, zaptest.NewLogger(t), scheduler.Options{})
	s.Start()
	t.Cleanup(s.Stop)
	return New(s, time.Second), clock
}

func TestDriverLoginFlow(t *testing.T) {
	backend := &scriptedBackend{respond: func(cmd *command.Command) command.Response {
		ctx := command.Context{WindowID: "w1"}
		switch cmd.Name() {
		case command.FindElement:
			return command.Success(ctx, "el-q")
		case command.GetTitle:
			return command.Success(ctx, "Results")
		}
		return command.Success(ctx, nil)
	}}
	d, clock := newDriver(t, backend)

	d.NewSession()
	d.Get("https://example.com")
	q := d.FindElement(locator.ByName("q"))
	q.SendKeys("golang")
	q.Submit()
	title := d.Title()

	clock.Advance(time.Second)

	assert.Equal(t, []command.Name{
		command.NewSession, command.Get, command.FindElement,
		command.SendKeysToElement, command.SubmitElement, command.GetTitle,
	}, backend.names())
	assert.Equal(t, "el-q", backend.calls[3].target, "element futures resolve to their handle")
	assert.Equal(t, []any{"golang"}, backend.calls[3].params)
	assert.Equal(t, []any{locator.ByName("q")}, backend.calls[2].params)
	assert.Equal(t, "Results", title.MustValue())
	assert.Equal(t, "w1", d.Scheduler().Context().WindowID)
}

func TestDriverIsElementPresent(t *testing.T) {
	backend := &scriptedBackend{respond: func(cmd *command.Command) command.Response {
		if cmd.Name() == command.FindElement {
			return command.FailedMessages(command.Context{}, "no such element")
		}
		return command.Success(command.Context{}, nil)
	}}
	d, clock := newDriver(t, backend)

	present := d.IsElementPresent(locator.ByCSS(".banner"))
	after := d.Refresh()
	clock.Advance(time.Second)

	assert.Equal(t, false, present.MustValue())
	assert.True(t, after.IsSet(), "absence must not halt the session")
	assert.Nil(t, d.Scheduler().Fatal())
}

func TestDriverWaitForElement(t *testing.T) {
	attempts := 0
	backend := &scriptedBackend{respond: func(cmd *command.Command) command.Response {
		if cmd.Name() == command.FindElement {
			attempts++
			if attempts < 4 {
				return command.FailedMessages(command.Context{}, "no such element")
			}
			return command.Success(command.Context{}, "el-late")
		}
		return command.Success(command.Context{}, nil)
	}}
	d, clock := newDriver(t, backend)

	el := d.WaitForElement(locator.ByID("late"), 0)
	clicked := el.Click()
	clock.Advance(time.Second)

	require.True(t, clicked.IsSet())
	assert.Equal(t, "el-late", el.Handle().MustValue())
	assert.Equal(t, 5, attempts, "three failed probes, one passing probe, then the lookup")
	assert.Nil(t, d.Scheduler().Fatal())
}

func TestDriverWaitUsesDefaultTimeout(t *testing.T) {
	d, clock := newDriver(t, &scriptedBackend{})

	d.Wait(func() (any, error) { return false, nil }, 0)
	clock.Advance(900 * time.Millisecond)
	assert.Nil(t, d.Scheduler().Fatal())

	clock.Advance(200 * time.Millisecond)
	require.NotNil(t, d.Scheduler().Fatal())
	assert.Equal(t, command.Wait, d.Scheduler().Fatal().Command.Name())
}

func TestDriverElementCommands(t *testing.T) {
	backend := &scriptedBackend{respond: func(cmd *command.Command) command.Response {
		switch cmd.Name() {
		case command.FindElement:
			return command.Success(command.Context{}, "frame-1")
		case command.FindChildElement:
			return command.Success(command.Context{}, "child-1")
		case command.GetElementAttribute:
			return command.Success(command.Context{}, "https://example.com/next")
		}
		return command.Success(command.Context{}, nil)
	}}
	d, clock := newDriver(t, backend)

	frame := d.FindElement(locator.ByCSS("iframe"))
	d.SwitchToFrame(frame)
	link := frame.FindElement(locator.ByLinkText("Next"))
	href := link.Attribute("href")
	d.SwitchToDefaultContent()
	d.ExecuteScript("return arguments[0];", href)

	clock.Advance(time.Second)

	require.Len(t, backend.calls, 6)
	assert.Equal(t, "frame-1", backend.calls[1].target)
	assert.Equal(t, command.FindChildElement, backend.calls[2].name)
	assert.Equal(t, "frame-1", backend.calls[2].target)
	assert.Equal(t, "child-1", backend.calls[3].target)
	assert.Equal(t, []any{"href"}, backend.calls[3].params)
	assert.Equal(t, []any{"return arguments[0];", "https://example.com/next"}, backend.calls[5].params,
		"script arguments resolve from earlier results")
}
