package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/locator"
	"github.com/xkilldash9x/sequencer/internal/loop"
)

type stubSession struct {
	ctx command.Context
}

func (s *stubSession) SetContext(ctx command.Context)   { s.ctx = ctx }
func (s *stubSession) CommandFinished(*command.Command) {}

// fakeRunner records every batch of actions and the context it ran under.
type fakeRunner struct {
	batches   [][]chromedp.Action
	deadlines []time.Duration
	respond   func(ctx context.Context, actions []chromedp.Action) error
}

func (f *fakeRunner) run(ctx context.Context, actions ...chromedp.Action) error {
	f.batches = append(f.batches, actions)
	if d, ok := ctx.Deadline(); ok {
		f.deadlines = append(f.deadlines, time.Until(d))
	} else {
		f.deadlines = append(f.deadlines, 0)
	}
	if f.respond != nil {
		return f.respond(ctx, actions)
	}
	return nil
}

type harness struct {
	t       *testing.T
	backend *Backend
	exec    *loop.Manual
	runner  *fakeRunner
	session *stubSession
}

func newHarness(t *testing.T, cfg config.BrowserConfig) *harness {
	t.Helper()
	exec := loop.NewManual(time.Unix(0, 0))
	runner := &fakeRunner{}
	b := New(exec, cfg, zaptest.NewLogger(t))
	b.runActions = runner.run
	b.spawn = func(fn func()) { fn() }
	b.allocate = func(ctx context.Context, _ config.BrowserConfig) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &harness{t: t, backend: b, exec: exec, runner: runner, session: &stubSession{}}
}

// exec runs one command to completion and returns it.
func (h *harness) exec1(name command.Name, target any, params ...any) *command.Command {
	h.t.Helper()
	cmd := command.New(h.session, name).SetTarget(target).SetParameters(params...)
	h.backend.Execute(cmd)
	h.exec.Flush()
	require.True(h.t, cmd.IsFinished(), "%s did not finish", name)
	return cmd
}

func (h *harness) start() {
	h.t.Helper()
	cmd := h.exec1(command.NewSession, nil)
	require.False(h.t, cmd.IsFailed(), "%v", cmd.Failure())
	h.runner.batches = nil
	h.runner.deadlines = nil
}

func failureOf(t *testing.T, cmd *command.Command) error {
	t.Helper()
	require.True(t, cmd.IsFailed(), "expected %s to fail", cmd.Name())
	return cmd.Failure()
}

func TestBackendLifecycle(t *testing.T) {
	t.Run("commands before a session fail", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		cmd := h.exec1(command.Get, nil, "https://example.com")
		assert.ErrorIs(t, failureOf(t, cmd), ErrNoSession)
		assert.Empty(t, h.runner.batches)
	})

	t.Run("new session launches with an empty run", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		cmd := h.exec1(command.NewSession, nil)
		require.False(t, cmd.IsFailed())
		require.Len(t, h.runner.batches, 1)
		assert.Empty(t, h.runner.batches[0])
		assert.Equal(t, time.Duration(0), h.runner.deadlines[0], "the browser must not inherit a deadline")

		again := h.exec1(command.NewSession, nil)
		assert.ErrorContains(t, failureOf(t, again), "already started")
	})

	t.Run("failed launch leaves no session", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.runner.respond = func(context.Context, []chromedp.Action) error { return errors.New("chrome not found") }

		cmd := h.exec1(command.NewSession, nil)
		assert.ErrorContains(t, failureOf(t, cmd), "failed to start browser: chrome not found")
		assert.Nil(t, h.backend.browserCtx)
	})

	t.Run("quit tears the session down", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()
		h.exec1(command.Quit, nil)

		cmd := h.exec1(command.GetTitle, nil)
		assert.ErrorIs(t, failureOf(t, cmd), ErrNoSession)
		assert.Empty(t, h.backend.tabs)
	})

	t.Run("unsupported commands fail synchronously", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		cmd := command.New(h.session, command.Sleep)
		h.backend.Execute(cmd)
		assert.ErrorIs(t, failureOf(t, cmd), ErrUnsupported)
	})
}

func TestBackendDelivery(t *testing.T) {
	t.Run("responses are delivered on the executor", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		cmd := command.New(h.session, command.Get).SetParameters("https://example.com")
		h.backend.Execute(cmd)
		assert.False(t, cmd.IsFinished(), "response must wait for the loop")

		h.exec.Flush()
		assert.True(t, cmd.IsFinished())
		assert.False(t, cmd.IsFailed())
	})

	t.Run("panics become failures", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()
		h.runner.respond = func(context.Context, []chromedp.Action) error { panic("devtools went away") }

		cmd := h.exec1(command.GetTitle, nil)
		assert.ErrorContains(t, failureOf(t, cmd), "panic during GET_TITLE")
	})

	t.Run("rate limiter aborts once closed", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{MaxCommandsPerSecond: 0.001})
		h.start()
		require.NoError(t, h.backend.Close(context.Background()))

		cmd := h.exec1(command.GetTitle, nil)
		assert.ErrorContains(t, failureOf(t, cmd), "shutting down")
	})
}

func TestBackendTimeouts(t *testing.T) {
	cfg := config.BrowserConfig{ActionTimeout: 2 * time.Second, NavigationTimeout: 20 * time.Second}

	t.Run("navigation and actions use their own budgets", func(t *testing.T) {
		h := newHarness(t, cfg)
		h.start()

		h.exec1(command.Get, nil, "https://example.com")
		h.exec1(command.GetTitle, nil)

		require.Len(t, h.runner.deadlines, 2)
		assert.InDelta(t, float64(20*time.Second), float64(h.runner.deadlines[0]), float64(time.Second))
		assert.InDelta(t, float64(2*time.Second), float64(h.runner.deadlines[1]), float64(time.Second))
	})

	t.Run("expiry is reported as a timeout", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{ActionTimeout: 5 * time.Millisecond})
		h.start()
		h.runner.respond = func(ctx context.Context, _ []chromedp.Action) error {
			<-ctx.Done()
			return ctx.Err()
		}

		cmd := h.exec1(command.GetPageSource, nil)
		assert.ErrorContains(t, failureOf(t, cmd), "timed out after 5ms")
	})
}

func TestBackendNavigation(t *testing.T) {
	h := newHarness(t, config.BrowserConfig{})
	h.start()
	handle := h.backend.remember(&cdp.Node{NodeID: 3, NodeName: "IFRAME"})[0]
	h.exec1(command.SwitchToFrame, handle)

	cmd := h.exec1(command.Get, nil, "https://example.com/login")
	require.False(t, cmd.IsFailed())
	require.Len(t, h.runner.batches, 1)
	assert.Len(t, h.runner.batches[0], 1)
	assert.Empty(t, h.backend.elements, "navigation invalidates element handles")
	assert.Empty(t, h.session.ctx.FrameID)

	missing := h.exec1(command.Get, nil)
	assert.ErrorContains(t, failureOf(t, missing), "GET requires a url parameter")

	h.runner.respond = func(context.Context, []chromedp.Action) error { return errors.New("net::ERR_NAME_NOT_RESOLVED") }
	back := h.exec1(command.GoBack, nil)
	assert.ErrorContains(t, failureOf(t, back), "go_back failed: net::ERR_NAME_NOT_RESOLVED")
}

func TestBackendElements(t *testing.T) {
	t.Run("element commands act on stored nodes", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()
		handle := h.backend.remember(&cdp.Node{NodeID: 42, NodeName: "BUTTON"})[0]

		for _, name := range []command.Name{command.ClickElement, command.ClearElement, command.SubmitElement} {
			cmd := h.exec1(name, handle)
			assert.False(t, cmd.IsFailed(), "%s: %v", name, cmd.Failure())
		}
		keys := h.exec1(command.SendKeysToElement, handle, "hunter2")
		assert.False(t, keys.IsFailed())
		assert.Len(t, h.runner.batches, 4)
	})

	t.Run("unknown handles are stale", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		cmd := h.exec1(command.ClickElement, "does-not-exist")
		assert.ErrorIs(t, failureOf(t, cmd), ErrStaleHandle)
		missing := h.exec1(command.GetElementText, nil)
		assert.ErrorContains(t, failureOf(t, missing), "element handle required")
		assert.Empty(t, h.runner.batches)
	})

	t.Run("find reports absence at once", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		cmd := h.exec1(command.FindElement, nil, locator.ByID("login"))
		assert.ErrorIs(t, failureOf(t, cmd), ErrNoSuchElement)
		assert.ErrorContains(t, cmd.Failure(), "id=login")

		all := h.exec1(command.FindElements, nil, map[string]any{"css": "li"})
		require.False(t, all.IsFailed())
		assert.Empty(t, all.Result().MustValue())
	})

	t.Run("locators are validated before querying", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		for _, bad := range []any{locator.By{Using: "shadow", Value: "x"}, map[string]any{"css": "a", "id": "b"}, 7} {
			cmd := h.exec1(command.FindElement, nil, bad)
			assert.True(t, cmd.IsFailed(), "%v", bad)
		}
		assert.Empty(t, h.runner.batches)
	})

	t.Run("child searches need a live parent", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		cmd := h.exec1(command.FindChildElement, "gone", "a")
		assert.ErrorIs(t, failureOf(t, cmd), ErrStaleHandle)
	})
}

func TestBackendFramesAndWindows(t *testing.T) {
	t.Run("frame selection flows into the context", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()
		frame := h.backend.remember(&cdp.Node{NodeID: 9, NodeName: "IFRAME"})[0]
		div := h.backend.remember(&cdp.Node{NodeID: 10, NodeName: "DIV"})[0]

		h.exec1(command.SwitchToFrame, frame)
		assert.Equal(t, frame, h.session.ctx.FrameID)
		scope, err := h.backend.scope(nil)
		require.NoError(t, err)
		assert.Len(t, scope, 1)

		notFrame := h.exec1(command.SwitchToFrame, div)
		assert.ErrorContains(t, failureOf(t, notFrame), "not a frame")
		assert.Equal(t, frame, h.backend.Context().FrameID)

		h.exec1(command.SwitchToDefaultContent, nil)
		assert.Empty(t, h.session.ctx.FrameID)
	})

	t.Run("switching to an unknown window restores the previous one", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()
		before := h.backend.Context()
		h.runner.respond = func(context.Context, []chromedp.Action) error { return fmt.Errorf("no target with given id") }

		cmd := h.exec1(command.SwitchToWindow, nil, "BOGUS")
		assert.ErrorContains(t, failureOf(t, cmd), "no such window BOGUS")
		assert.Equal(t, before, h.backend.Context())
		assert.Len(t, h.backend.tabs, 1)
	})

	t.Run("close forgets the window", func(t *testing.T) {
		h := newHarness(t, config.BrowserConfig{})
		h.start()

		cmd := h.exec1(command.Close, nil)
		require.False(t, cmd.IsFailed())
		assert.Empty(t, h.backend.tabs)

		after := h.exec1(command.GetTitle, nil)
		assert.ErrorIs(t, failureOf(t, after), ErrNoSession)
	})
}

func TestExecuteScriptArguments(t *testing.T) {
	h := newHarness(t, config.BrowserConfig{})
	h.start()

	cmd := h.exec1(command.ExecuteScript, nil, "return arguments[0] + arguments[1];", 1, 2)
	require.False(t, cmd.IsFailed(), "%v", cmd.Failure())
	require.Len(t, h.runner.batches, 1)

	bad := h.exec1(command.ExecuteScript, nil, "return 1;", make(chan int))
	assert.ErrorContains(t, failureOf(t, bad), "not serializable")
}

// hasOption checks for an option by its printed form, which names the
// flag closures capture.
func hasOption(opts []chromedp.ExecAllocatorOption, substring string) bool {
	for _, opt := range opts {
		if strings.Contains(fmt.Sprintf("%#v", opt), substring) {
			return true
		}
	}
	return false
}

func TestDefaultAllocatorOptions(t *testing.T) {
	base := DefaultAllocatorOptions(config.BrowserConfig{})
	assert.Len(t, base, 5)

	full := DefaultAllocatorOptions(config.BrowserConfig{
		Headless:        true,
		ExecPath:        "/usr/bin/chromium",
		UserAgent:       "sequencer",
		IgnoreTLSErrors: true,
		WindowWidth:     800,
		WindowHeight:    600,
		Args:            []string{"--disable-dev-shm-usage", "lang=en-US"},
	})
	assert.Len(t, full, len(base)+7)
	assert.False(t, hasOption(base, "headlessfalse"))
}
