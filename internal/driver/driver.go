// Package driver offers typed helpers that queue catalog commands on a
// session. Every call returns immediately with a future; the session runs
// the commands in call order.
//
// Like the scheduler, a Driver must only be used on the session's executor.
package driver

import (
	"time"

	"github.com/xkilldash9x/sequencer/internal/command"
	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/locator"
	"github.com/xkilldash9x/sequencer/internal/scheduler"
	"github.com/xkilldash9x/sequencer/internal/wait"
)

// Driver queues browser commands on one session.
type Driver struct {
	s              *scheduler.Scheduler
	defaultTimeout time.Duration
}

// New wraps s. defaultTimeout applies to waits given a zero timeout.
func New(s *scheduler.Scheduler, defaultTimeout time.Duration) *Driver {
	return &Driver{s: s, defaultTimeout: defaultTimeout}
}

// Scheduler returns the underlying session.
func (d *Driver) Scheduler() *scheduler.Scheduler { return d.s }

// NewSession starts the browser session. It must be queued first.
func (d *Driver) NewSession() *future.Future { return d.s.Schedule(command.NewSession, nil) }

// Quit ends the browser session.
func (d *Driver) Quit() *future.Future { return d.s.Schedule(command.Quit, nil) }

// Get navigates the current window to url, which may itself be a future.
func (d *Driver) Get(url any) *future.Future { return d.s.Schedule(command.Get, nil, url) }

// Title resolves to the current document's title.
func (d *Driver) Title() *future.Future { return d.s.Schedule(command.GetTitle, nil) }

// CurrentURL resolves to the current window's URL.
func (d *Driver) CurrentURL() *future.Future { return d.s.Schedule(command.GetCurrentURL, nil) }

// PageSource resolves to the serialized DOM of the current document.
func (d *Driver) PageSource() *future.Future { return d.s.Schedule(command.GetPageSource, nil) }

// Back moves one entry back in the window's history.
func (d *Driver) Back() *future.Future { return d.s.Schedule(command.GoBack, nil) }

// Forward moves one entry forward in the window's history.
func (d *Driver) Forward() *future.Future { return d.s.Schedule(command.GoForward, nil) }

// Refresh reloads the current document.
func (d *Driver) Refresh() *future.Future { return d.s.Schedule(command.Refresh, nil) }

// ExecuteScript runs script as a function body in the page. args are
// available to it as arguments[i].
func (d *Driver) ExecuteScript(script string, args ...any) *future.Future {
	return d.s.Schedule(command.ExecuteScript, nil, append([]any{script}, args...)...)
}

// Screenshot captures the viewport as PNG bytes.
func (d *Driver) Screenshot() *future.Future { return d.s.Schedule(command.Screenshot, nil) }

// FindElement locates the first element matching by. A missing element
// fails the command.
func (d *Driver) FindElement(by locator.By) *Element {
	return &Element{d: d, handle: d.s.Schedule(command.FindElement, nil, by), by: by}
}

// FindElements resolves to the handles of every match, possibly none.
func (d *Driver) FindElements(by locator.By) *future.Future {
	return d.s.Schedule(command.FindElements, nil, by)
}

// IsElementPresent resolves to whether by matches anything. Absence never
// halts the session.
func (d *Driver) IsElementPresent(by locator.By) *future.Future {
	return d.s.Probe(d.s.NewCommand(command.FindElement).SetParameters(by))
}

// WindowHandles resolves to the handles of every open window.
func (d *Driver) WindowHandles() *future.Future {
	return d.s.Schedule(command.GetWindowHandles, nil)
}

// CurrentWindowHandle resolves to the handle of the current window.
func (d *Driver) CurrentWindowHandle() *future.Future {
	return d.s.Schedule(command.GetCurrentWindowHandle, nil)
}

// SwitchToWindow makes handle, a string or a future of one, the current
// window.
func (d *Driver) SwitchToWindow(handle any) *future.Future {
	return d.s.Schedule(command.SwitchToWindow, nil, handle)
}

// SwitchToFrame scopes later element lookups to the iframe el.
func (d *Driver) SwitchToFrame(el *Element) *future.Future {
	return d.s.Schedule(command.SwitchToFrame, el.handle)
}

// SwitchToDefaultContent returns element lookups to the top-level document.
func (d *Driver) SwitchToDefaultContent() *future.Future {
	return d.s.Schedule(command.SwitchToDefaultContent, nil)
}

// Close closes the current window.
func (d *Driver) Close() *future.Future { return d.s.Schedule(command.Close, nil) }

// Sleep holds the queue for dur without blocking the executor.
func (d *Driver) Sleep(dur time.Duration) *future.Future { return d.s.Sleep(dur) }

// Wait blocks the queue until cond holds or timeout passes. A zero timeout
// selects the driver default.
func (d *Driver) Wait(cond wait.Condition, timeout time.Duration) *future.Future {
	return d.s.Wait(cond, d.timeout(timeout))
}

// WaitForElement waits until by matches, then finds it.
func (d *Driver) WaitForElement(by locator.By, timeout time.Duration) *Element {
	d.Wait(func() (any, error) { return d.IsElementPresent(by), nil }, timeout)
	return d.FindElement(by)
}

// Call runs fn in sequence with the queued commands. Commands fn queues run
// before anything queued after Call.
func (d *Driver) Call(fn any) *future.Future { return d.s.CallFunction(fn) }

func (d *Driver) timeout(t time.Duration) time.Duration {
	if t == 0 {
		return d.defaultTimeout
	}
	return t
}

// Element is a located element. Its handle resolves once the lookup ran, so
// actions on it can be queued straight away.
type Element struct {
	d      *Driver
	handle *future.Future
	by     locator.By
}

// Handle is the future of the backend's element handle.
func (e *Element) Handle() *future.Future { return e.handle }

// Locator returns how the element was found.
func (e *Element) Locator() locator.By { return e.by }

func (e *Element) schedule(name command.Name, params ...any) *future.Future {
	return e.d.s.Schedule(name, e.handle, params...)
}

// Click clicks the element.
func (e *Element) Click() *future.Future { return e.schedule(command.ClickElement) }

// Clear empties an input or textarea.
func (e *Element) Clear() *future.Future { return e.schedule(command.ClearElement) }

// Submit submits the form the element belongs to.
func (e *Element) Submit() *future.Future { return e.schedule(command.SubmitElement) }

// Text resolves to the element's rendered text.
func (e *Element) Text() *future.Future { return e.schedule(command.GetElementText) }

// IsDisplayed resolves to whether the element is visible.
func (e *Element) IsDisplayed() *future.Future { return e.schedule(command.IsElementDisplayed) }

// SendKeys types text into the element.
func (e *Element) SendKeys(text any) *future.Future {
	return e.schedule(command.SendKeysToElement, text)
}

// Attribute resolves to the attribute's value, nil when it is absent.
func (e *Element) Attribute(name string) *future.Future {
	return e.schedule(command.GetElementAttribute, name)
}

// FindElement locates a descendant of e.
func (e *Element) FindElement(by locator.By) *Element {
	return &Element{d: e.d, handle: e.schedule(command.FindChildElement, by), by: by}
}
