// Package script loads automation scripts: YAML lists of browser steps that
// are queued on a session in order.
//
//	name: search
//	steps:
//	  - get: https://example.com
//	  - type: {locator: {name: q}, text: golang}
//	  - submit: {name: q}
//	  - wait_for: {css: "#results"}
//	    timeout: 5s
//	  - title: {}
//	    as: page_title
package script

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/sequencer/internal/driver"
	"github.com/xkilldash9x/sequencer/internal/future"
	"github.com/xkilldash9x/sequencer/internal/locator"
)

// Script is a parsed automation script.
type Script struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
	Steps   []Step        `yaml:"steps"`
}

// Step is one action. As names the step's result.
type Step struct {
	Action  string
	As      string
	Timeout time.Duration

	queue func(d *driver.Driver, timeout time.Duration) *future.Future
}

// Load reads and parses the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Parse(data)
}

// Parse decodes a script and checks every step.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}
	if len(s.Steps) == 0 {
		return nil, fmt.Errorf("invalid script: no steps")
	}
	seen := make(map[string]int)
	for i, st := range s.Steps {
		if st.As == "" {
			continue
		}
		if prev, dup := seen[st.As]; dup {
			return nil, fmt.Errorf("invalid script: steps %d and %d are both named %q", prev+1, i+1, st.As)
		}
		seen[st.As] = i
	}
	return &s, nil
}

// UnmarshalYAML decodes a mapping holding exactly one action key plus the
// optional "as" and "timeout" keys.
func (st *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: a step must be a mapping", node.Line)
	}
	var arg *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "as":
			st.As = value.Value
		case "timeout":
			d, err := time.ParseDuration(value.Value)
			if err != nil {
				return fmt.Errorf("line %d: bad timeout: %w", value.Line, err)
			}
			st.Timeout = d
		default:
			if st.Action != "" {
				return fmt.Errorf("line %d: step has both %q and %q", key.Line, st.Action, key.Value)
			}
			st.Action, arg = key.Value, value
		}
	}
	if st.Action == "" {
		return fmt.Errorf("line %d: step has no action", node.Line)
	}
	compile, ok := actions[st.Action]
	if !ok {
		return fmt.Errorf("line %d: unknown action %q", node.Line, st.Action)
	}
	queue, err := compile(arg)
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", arg.Line, st.Action, err)
	}
	st.queue = queue
	return nil
}

// Results holds the futures of named steps.
type Results struct {
	named    map[string]*future.Future
	order    []string
	finished *future.Future
}

// Schedule queues every step on d. It must run on the session's executor.
func (s *Script) Schedule(d *driver.Driver) *Results {
	r := &Results{named: make(map[string]*future.Future)}
	for _, st := range s.Steps {
		timeout := st.Timeout
		if timeout == 0 {
			timeout = s.Timeout
		}
		f := st.queue(d, timeout)
		if st.As != "" {
			r.named[st.As] = f
			r.order = append(r.order, st.As)
		}
	}
	r.finished = d.Call(func() any { return true })
	return r
}

// Finished resolves once every step ran.
func (r *Results) Finished() *future.Future { return r.finished }

// Names lists the named steps in script order.
func (r *Results) Names() []string { return r.order }

// Values returns the results of the named steps that have run.
func (r *Results) Values() map[string]any {
	out := make(map[string]any, len(r.named))
	for name, f := range r.named {
		if f != nil && f.IsSet() {
			out[name] = f.MustValue()
		}
	}
	return out
}

// -- Actions --

type queueFunc = func(d *driver.Driver, timeout time.Duration) *future.Future

var actions = map[string]func(arg *yaml.Node) (queueFunc, error){
	"get":        urlAction,
	"back":       noArg(func(d *driver.Driver) *future.Future { return d.Back() }),
	"forward":    noArg(func(d *driver.Driver) *future.Future { return d.Forward() }),
	"refresh":    noArg(func(d *driver.Driver) *future.Future { return d.Refresh() }),
	"title":      noArg(func(d *driver.Driver) *future.Future { return d.Title() }),
	"url":        noArg(func(d *driver.Driver) *future.Future { return d.CurrentURL() }),
	"screenshot": noArg(func(d *driver.Driver) *future.Future { return d.Screenshot() }),
	"click":      elementAction(func(e *driver.Element) *future.Future { return e.Click() }),
	"clear":      elementAction(func(e *driver.Element) *future.Future { return e.Clear() }),
	"submit":     elementAction(func(e *driver.Element) *future.Future { return e.Submit() }),
	"text":       elementAction(func(e *driver.Element) *future.Future { return e.Text() }),
	"type":       typeAction,
	"script":     scriptAction,
	"sleep":      sleepAction,
	"wait_for":   waitForAction,
	"probe":      probeAction,
}

func noArg(fn func(d *driver.Driver) *future.Future) func(*yaml.Node) (queueFunc, error) {
	return func(*yaml.Node) (queueFunc, error) {
		return func(d *driver.Driver, _ time.Duration) *future.Future { return fn(d) }, nil
	}
}

func urlAction(arg *yaml.Node) (queueFunc, error) {
	var url string
	if err := arg.Decode(&url); err != nil || url == "" {
		return nil, fmt.Errorf("expected a url")
	}
	return func(d *driver.Driver, _ time.Duration) *future.Future { return d.Get(url) }, nil
}

func decodeLocator(arg *yaml.Node) (locator.By, error) {
	if arg.Kind == yaml.ScalarNode {
		by := locator.ByCSS(arg.Value)
		return by, by.Validate()
	}
	var m map[string]any
	if err := arg.Decode(&m); err != nil {
		return locator.By{}, fmt.Errorf("expected a locator: %w", err)
	}
	return locator.FromMap(m)
}

func elementAction(fn func(e *driver.Element) *future.Future) func(*yaml.Node) (queueFunc, error) {
	return func(arg *yaml.Node) (queueFunc, error) {
		by, err := decodeLocator(arg)
		if err != nil {
			return nil, err
		}
		return func(d *driver.Driver, _ time.Duration) *future.Future {
			return fn(d.FindElement(by))
		}, nil
	}
}

func typeAction(arg *yaml.Node) (queueFunc, error) {
	var in struct {
		Locator yaml.Node `yaml:"locator"`
		Text    string    `yaml:"text"`
	}
	if err := arg.Decode(&in); err != nil {
		return nil, fmt.Errorf("expected {locator, text}: %w", err)
	}
	if in.Locator.Kind == 0 {
		return nil, fmt.Errorf("missing locator")
	}
	by, err := decodeLocator(&in.Locator)
	if err != nil {
		return nil, err
	}
	return func(d *driver.Driver, _ time.Duration) *future.Future {
		return d.FindElement(by).SendKeys(in.Text)
	}, nil
}

func scriptAction(arg *yaml.Node) (queueFunc, error) {
	var body string
	if err := arg.Decode(&body); err != nil || body == "" {
		return nil, fmt.Errorf("expected a script body")
	}
	return func(d *driver.Driver, _ time.Duration) *future.Future { return d.ExecuteScript(body) }, nil
}

func sleepAction(arg *yaml.Node) (queueFunc, error) {
	dur, err := time.ParseDuration(arg.Value)
	if err != nil {
		return nil, fmt.Errorf("expected a duration: %w", err)
	}
	return func(d *driver.Driver, _ time.Duration) *future.Future { return d.Sleep(dur) }, nil
}

func waitForAction(arg *yaml.Node) (queueFunc, error) {
	by, err := decodeLocator(arg)
	if err != nil {
		return nil, err
	}
	return func(d *driver.Driver, timeout time.Duration) *future.Future {
		return d.WaitForElement(by, timeout).Handle()
	}, nil
}

func probeAction(arg *yaml.Node) (queueFunc, error) {
	by, err := decodeLocator(arg)
	if err != nil {
		return nil, err
	}
	return func(d *driver.Driver, _ time.Duration) *future.Future { return d.IsElementPresent(by) }, nil
}
