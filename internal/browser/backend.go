// Package browser executes catalog commands against Chrome through the
// DevTools protocol. Each command runs on its own goroutine and reports back
// to the session's loop.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/config"
	"github.com/xkilldash9x/sequencer/internal/loop"
	"github.com/xkilldash9x/sequencer/internal/processor"
)

var (
	ErrNoSession     = errors.New("no browser session")
	ErrNoSuchElement = errors.New("no such element")
	ErrStaleHandle   = errors.New("unknown element handle")
	ErrUnsupported   = errors.New("unsupported command")
)

// Backend drives one Chrome instance. Window handles are CDP target IDs and
// element handles are opaque strings mapped to DOM nodes.
type Backend struct {
	exec    loop.Executor
	cfg     config.BrowserConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	allocate   func(ctx context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc)
	runActions func(ctx context.Context, actions ...chromedp.Action) error
	spawn      func(fn func())

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[target.ID]*tab
	current       target.ID
	frame         string
	elements      map[string]*cdp.Node
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

var _ processor.Backend = (*Backend)(nil)

// New creates a backend posting responses onto exec. No browser starts until
// a NEW_SESSION command runs.
func New(exec loop.Executor, cfg config.BrowserConfig, logger *zap.Logger) *Backend {
	limit := rate.Inf
	if cfg.MaxCommandsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxCommandsPerSecond)
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 30 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 90 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		exec:       exec,
		cfg:        cfg,
		logger:     logger.Named("browser"),
		limiter:    rate.NewLimiter(limit, 1),
		allocate:   execAllocator,
		runActions: chromedp.Run,
		spawn:      func(fn func()) { go fn() },
		ctx:        ctx,
		cancel:     cancel,
		tabs:       make(map[target.ID]*tab),
		elements:   make(map[string]*cdp.Node),
	}
}

// request is the part of a command a handler reads. It is copied on the
// loop so handlers never touch the command itself.
type request struct {
	name   command.Name
	target any
	params []any
}

type handler func(b *Backend, req request) (any, error)

// Execute implements processor.Backend.
func (b *Backend) Execute(cmd *command.Command) {
	req := request{name: cmd.Name(), target: cmd.Target(), params: cmd.Parameters()}
	h, ok := handlers[req.name]
	if !ok {
		cmd.SetResponse(command.Failed(b.Context(), fmt.Errorf("%w: %s", ErrUnsupported, req.name)))
		return
	}

	b.wg.Add(1)
	b.spawn(func() {
		defer b.wg.Done()
		start := time.Now()
		value, err := b.dispatch(req, h)

		logger := b.logger.With(zap.String("command", cmd.String()), zap.Duration("duration", time.Since(start)))
		var resp command.Response
		if err != nil {
			logger.Debug("Command failed.", zap.Error(err))
			resp = command.Failed(b.Context(), err)
		} else {
			logger.Debug("Command succeeded.")
			resp = command.Success(b.Context(), value)
		}
		b.exec.Post(func() { cmd.SetResponse(resp) })
	})
}

func (b *Backend) dispatch(req request, h handler) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while executing command.", zap.String("command", string(req.name)), zap.Any("panic_reason", r))
			err = fmt.Errorf("panic during %s: %v", req.name, r)
		}
	}()
	if err := b.limiter.Wait(b.ctx); err != nil {
		return nil, fmt.Errorf("backend is shutting down: %w", err)
	}
	return h(b, req)
}

// Context reports the window and frame later commands target.
func (b *Backend) Context() command.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return command.Context{WindowID: string(b.current), FrameID: b.frame}
}

// Close shuts the browser down and waits for in-flight commands.
func (b *Backend) Close(ctx context.Context) error {
	b.quit()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for in-flight browser commands: %w", ctx.Err())
	}
}

// do runs actions on the current tab under timeout.
func (b *Backend) do(timeout time.Duration, actions ...chromedp.Action) error {
	b.mu.Lock()
	t := b.tabs[b.current]
	b.mu.Unlock()
	if t == nil {
		return ErrNoSession
	}

	ctx, cancel := CombineContext(t.ctx, b.ctx)
	defer cancel()
	opCtx, cancelOp := context.WithTimeout(ctx, timeout)
	defer cancelOp()

	if err := b.runActions(opCtx, actions...); err != nil {
		if errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("timed out after %v: %w", timeout, err)
		}
		return err
	}
	return nil
}

// remember stores nodes under fresh handles.
func (b *Backend) remember(nodes ...*cdp.Node) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	handles := make([]string, len(nodes))
	for i, n := range nodes {
		h := uuid.NewString()
		b.elements[h] = n
		handles[i] = h
	}
	return handles
}

func (b *Backend) node(handle any) (*cdp.Node, error) {
	h, ok := handle.(string)
	if !ok || h == "" {
		return nil, fmt.Errorf("element handle required, got %T", handle)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.elements[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return n, nil
}

// scope returns the query options that restrict a search to parent, or to
// the selected frame when parent is nil.
func (b *Backend) scope(parent any) ([]chromedp.QueryOption, error) {
	if parent != nil {
		n, err := b.node(parent)
		if err != nil {
			return nil, err
		}
		return []chromedp.QueryOption{chromedp.FromNode(n)}, nil
	}
	b.mu.Lock()
	frame := b.elements[b.frame]
	b.mu.Unlock()
	if frame == nil {
		return nil, nil
	}
	return []chromedp.QueryOption{chromedp.FromNode(frame)}, nil
}

// forgetDocument drops element handles and the frame selection after the
// document changed.
func (b *Backend) forgetDocument() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.elements = make(map[string]*cdp.Node)
	b.frame = ""
}

func (b *Backend) quit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.tabs {
		if t.ctx != b.browserCtx {
			t.cancel()
		}
		delete(b.tabs, id)
	}
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
	b.current, b.frame = "", ""
	b.elements = make(map[string]*cdp.Node)
}

func targetOf(ctx context.Context) target.ID {
	if c := chromedp.FromContext(ctx); c != nil && c.Target != nil {
		return c.Target.TargetID
	}
	return ""
}

func execAllocator(ctx context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc) {
	return chromedp.NewExecAllocator(ctx, DefaultAllocatorOptions(cfg)...)
}

// DefaultAllocatorOptions translates the browser configuration into Chrome
// launch options.
func DefaultAllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("enable-automation", true),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	for _, arg := range cfg.Args {
		// "key=value" flags carry a value, bare flags are booleans.
		key, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}
