package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/locator"
)

var handlers map[command.Name]handler

func init() {
	handlers = map[command.Name]handler{
		command.NewSession:             newSession,
		command.Quit:                   quit,
		command.Get:                    navigate,
		command.GetCurrentURL:          currentURL,
		command.GetTitle:               title,
		command.GetPageSource:          pageSource,
		command.GoBack:                 history(chromedp.NavigateBack()),
		command.GoForward:              history(chromedp.NavigateForward()),
		command.Refresh:                history(chromedp.Reload()),
		command.ExecuteScript:          executeScript,
		command.Screenshot:             screenshot,
		command.FindElement:            findElement,
		command.FindChildElement:       findElement,
		command.FindElements:           findElements,
		command.IsElementDisplayed:     isDisplayed,
		command.ClickElement:           onElement(chromedp.Click),
		command.ClearElement:           onElement(chromedp.Clear),
		command.SubmitElement:          onElement(chromedp.Submit),
		command.SendKeysToElement:      sendKeys,
		command.GetElementText:         elementText,
		command.GetElementAttribute:    elementAttribute,
		command.GetWindowHandles:       windowHandles,
		command.GetCurrentWindowHandle: currentWindow,
		command.SwitchToWindow:         switchToWindow,
		command.SwitchToFrame:          switchToFrame,
		command.SwitchToDefaultContent: switchToDefaultContent,
		command.Close:                  closeWindow,
	}
}

// -- Lifecycle --

func newSession(b *Backend, _ request) (any, error) {
	b.mu.Lock()
	if b.browserCtx != nil {
		b.mu.Unlock()
		return nil, errors.New("browser session already started")
	}
	allocCtx, allocCancel := b.allocate(b.ctx, b.cfg)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b.allocCancel, b.browserCtx, b.browserCancel = allocCancel, browserCtx, browserCancel
	b.mu.Unlock()

	// An empty run launches the browser and attaches the first tab. It must
	// use the browser context itself or the browser dies with the deadline.
	if err := b.runActions(browserCtx); err != nil {
		b.quit()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	id := targetOf(browserCtx)
	b.mu.Lock()
	b.tabs[id] = &tab{ctx: browserCtx, cancel: browserCancel}
	b.current = id
	b.mu.Unlock()

	if tasks := emulationTasks(b.cfg); len(tasks) > 0 {
		if err := b.do(b.cfg.ActionTimeout, tasks); err != nil {
			b.quit()
			return nil, fmt.Errorf("failed to apply emulation settings: %w", err)
		}
	}
	return string(id), nil
}

func quit(b *Backend, _ request) (any, error) {
	b.quit()
	return nil, nil
}

// -- Navigation --

func navigate(b *Backend, req request) (any, error) {
	url, err := stringParam(req, 0, "url")
	if err != nil {
		return nil, err
	}
	if err := b.do(b.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return nil, fmt.Errorf("navigation to '%s' failed: %w", url, err)
	}
	b.forgetDocument()
	return nil, nil
}

func history(action chromedp.Action) handler {
	return func(b *Backend, req request) (any, error) {
		if err := b.do(b.cfg.NavigationTimeout, action); err != nil {
			return nil, fmt.Errorf("%s failed: %w", strings.ToLower(string(req.name)), err)
		}
		b.forgetDocument()
		return nil, nil
	}
}

func currentURL(b *Backend, _ request) (any, error) {
	var url string
	if err := b.do(b.cfg.ActionTimeout, chromedp.Location(&url)); err != nil {
		return nil, err
	}
	return url, nil
}

func title(b *Backend, _ request) (any, error) {
	var s string
	if err := b.do(b.cfg.ActionTimeout, chromedp.Title(&s)); err != nil {
		return nil, err
	}
	return s, nil
}

func pageSource(b *Backend, _ request) (any, error) {
	var html string
	if err := b.do(b.cfg.ActionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return html, nil
}

// -- Scripts and capture --

func executeScript(b *Backend, req request) (any, error) {
	script, err := stringParam(req, 0, "script")
	if err != nil {
		return nil, err
	}
	args, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(req.params[1:])
	if err != nil {
		return nil, fmt.Errorf("script arguments are not serializable: %w", err)
	}
	// Undefined results come back as null.
	expr := fmt.Sprintf(`(async function() {
	const r = await (function() { %s }).apply(null, %s);
	return r === undefined ? null : r;
})()`, script, args)

	var res any
	evaluate := chromedp.Evaluate(expr, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	})
	if err := b.do(b.cfg.ActionTimeout, evaluate); err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	return res, nil
}

func screenshot(b *Backend, _ request) (any, error) {
	var buf []byte
	if err := b.do(b.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// -- Elements --

func query(b *Backend, req request, all bool) ([]*cdp.Node, locator.By, error) {
	by, err := locatorParam(req, 0)
	if err != nil {
		return nil, by, err
	}
	scope, err := b.scope(req.target)
	if err != nil {
		return nil, by, err
	}
	sel, opt := by.QueryOptions()
	if all {
		sel, opt = by.QueryAllOptions()
	}
	// AtLeast(0) reports absence at once instead of polling until the
	// deadline; waiting is the caller's job.
	opts := append([]chromedp.QueryOption{opt, chromedp.AtLeast(0)}, scope...)

	var nodes []*cdp.Node
	if err := b.do(b.cfg.ActionTimeout, chromedp.Nodes(sel, &nodes, opts...)); err != nil {
		return nil, by, fmt.Errorf("query %s failed: %w", by, err)
	}
	return nodes, by, nil
}

func findElement(b *Backend, req request) (any, error) {
	nodes, by, err := query(b, req, false)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchElement, by)
	}
	return b.remember(nodes[0])[0], nil
}

func findElements(b *Backend, req request) (any, error) {
	nodes, _, err := query(b, req, true)
	if err != nil {
		return nil, err
	}
	return b.remember(nodes...), nil
}

// onElement adapts a chromedp element action to a handler acting on the
// command's target element.
func onElement(action func(sel any, opts ...chromedp.QueryOption) chromedp.QueryAction) handler {
	return func(b *Backend, req request) (any, error) {
		n, err := b.node(req.target)
		if err != nil {
			return nil, err
		}
		if err := b.do(b.cfg.ActionTimeout, action([]cdp.NodeID{n.NodeID}, chromedp.ByNodeID)); err != nil {
			return nil, fmt.Errorf("%s failed for element %s: %w", strings.ToLower(string(req.name)), req.target, err)
		}
		return nil, nil
	}
}

func sendKeys(b *Backend, req request) (any, error) {
	n, err := b.node(req.target)
	if err != nil {
		return nil, err
	}
	text, err := stringParam(req, 0, "text")
	if err != nil {
		return nil, err
	}
	if err := b.do(b.cfg.ActionTimeout, chromedp.SendKeys([]cdp.NodeID{n.NodeID}, text, chromedp.ByNodeID)); err != nil {
		return nil, fmt.Errorf("send keys failed for element %s: %w", req.target, err)
	}
	return nil, nil
}

func isDisplayed(b *Backend, req request) (any, error) {
	n, err := b.node(req.target)
	if err != nil {
		return nil, err
	}
	visible := false
	// Nodes without a box model are not rendered.
	probe := chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := dom.GetBoxModel().WithNodeID(n.NodeID).Do(ctx)
		visible = err == nil
		return nil
	})
	if err := b.do(b.cfg.ActionTimeout, probe); err != nil {
		return nil, err
	}
	return visible, nil
}

func elementText(b *Backend, req request) (any, error) {
	n, err := b.node(req.target)
	if err != nil {
		return nil, err
	}
	var text string
	if err := b.do(b.cfg.ActionTimeout, chromedp.Text([]cdp.NodeID{n.NodeID}, &text, chromedp.ByNodeID)); err != nil {
		return nil, err
	}
	return text, nil
}

func elementAttribute(b *Backend, req request) (any, error) {
	n, err := b.node(req.target)
	if err != nil {
		return nil, err
	}
	name, err := stringParam(req, 0, "attribute name")
	if err != nil {
		return nil, err
	}
	var value string
	var ok bool
	if err := b.do(b.cfg.ActionTimeout, chromedp.AttributeValue([]cdp.NodeID{n.NodeID}, name, &value, &ok, chromedp.ByNodeID)); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return value, nil
}

// -- Windows and frames --

func windowHandles(b *Backend, _ request) (any, error) {
	var infos []*target.Info
	list := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		infos, err = chromedp.Targets(ctx)
		return err
	})
	if err := b.do(b.cfg.ActionTimeout, list); err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			handles = append(handles, string(info.TargetID))
		}
	}
	return handles, nil
}

func currentWindow(b *Backend, _ request) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil, ErrNoSession
	}
	return string(b.current), nil
}

func switchToWindow(b *Backend, req request) (any, error) {
	handle, err := stringParam(req, 0, "window handle")
	if err != nil {
		return nil, err
	}
	id := target.ID(handle)

	b.mu.Lock()
	if b.browserCtx == nil {
		b.mu.Unlock()
		return nil, ErrNoSession
	}
	previous := b.current
	if _, ok := b.tabs[id]; !ok {
		ctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(id))
		b.tabs[id] = &tab{ctx: ctx, cancel: cancel}
	}
	b.current = id
	b.mu.Unlock()

	if err := b.do(b.cfg.ActionTimeout, page.BringToFront()); err != nil {
		b.mu.Lock()
		if t := b.tabs[id]; t != nil && t.ctx != b.browserCtx {
			t.cancel()
			delete(b.tabs, id)
		}
		b.current = previous
		b.mu.Unlock()
		return nil, fmt.Errorf("no such window %s: %w", handle, err)
	}
	b.forgetDocument()
	return nil, nil
}

func switchToFrame(b *Backend, req request) (any, error) {
	handle := req.target
	if handle == nil && len(req.params) > 0 {
		handle = req.params[0]
	}
	n, err := b.node(handle)
	if err != nil {
		return nil, err
	}
	if name := strings.ToUpper(n.NodeName); name != "IFRAME" && name != "FRAME" {
		return nil, fmt.Errorf("element %s is a %s, not a frame", handle, n.NodeName)
	}
	b.mu.Lock()
	b.frame = handle.(string)
	b.mu.Unlock()
	return nil, nil
}

func switchToDefaultContent(b *Backend, _ request) (any, error) {
	b.mu.Lock()
	b.frame = ""
	b.mu.Unlock()
	return nil, nil
}

func closeWindow(b *Backend, _ request) (any, error) {
	if err := b.do(b.cfg.ActionTimeout, page.Close()); err != nil {
		return nil, fmt.Errorf("close window failed: %w", err)
	}
	b.mu.Lock()
	if t := b.tabs[b.current]; t != nil {
		if t.ctx != b.browserCtx {
			t.cancel()
		}
		delete(b.tabs, b.current)
	}
	b.current = ""
	b.mu.Unlock()
	b.forgetDocument()
	return nil, nil
}

// -- Parameters --

func stringParam(req request, i int, what string) (string, error) {
	if i >= len(req.params) {
		return "", fmt.Errorf("%s requires a %s parameter", req.name, what)
	}
	s, ok := req.params[i].(string)
	if !ok {
		return "", fmt.Errorf("%s: %s must be a string, got %T", req.name, what, req.params[i])
	}
	return s, nil
}

// locatorParam accepts a locator.By, a script-style map, or a bare CSS
// selector.
func locatorParam(req request, i int) (locator.By, error) {
	if i >= len(req.params) {
		return locator.By{}, fmt.Errorf("%s requires a locator parameter", req.name)
	}
	switch v := req.params[i].(type) {
	case locator.By:
		return v, v.Validate()
	case map[string]any:
		return locator.FromMap(v)
	case string:
		by := locator.ByCSS(v)
		return by, by.Validate()
	default:
		return locator.By{}, fmt.Errorf("%s: unsupported locator %T", req.name, v)
	}
}
