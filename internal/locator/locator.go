// Package locator describes how to find elements on a page. Every strategy
// compiles down to either a CSS selector or an XPath expression.
package locator

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"
)

// Strategy names a way of locating elements.
type Strategy string

const (
	CSS       Strategy = "css"
	ID        Strategy = "id"
	Name      Strategy = "name"
	XPath     Strategy = "xpath"
	ClassName Strategy = "class"
	LinkText  Strategy = "link_text"
)

var strategies = map[Strategy]struct{}{
	CSS: {}, ID: {}, Name: {}, XPath: {}, ClassName: {}, LinkText: {},
}

// By is a locator: a strategy and the value it searches for.
type By struct {
	Using Strategy `json:"using" yaml:"using"`
	Value string   `json:"value" yaml:"value"`
}

func ByCSS(v string) By       { return By{Using: CSS, Value: v} }
func ByID(v string) By        { return By{Using: ID, Value: v} }
func ByName(v string) By      { return By{Using: Name, Value: v} }
func ByXPath(v string) By     { return By{Using: XPath, Value: v} }
func ByClassName(v string) By { return By{Using: ClassName, Value: v} }
func ByLinkText(v string) By  { return By{Using: LinkText, Value: v} }

func (b By) String() string {
	return fmt.Sprintf("%s=%s", b.Using, b.Value)
}

// Validate checks that the strategy is known and the value usable with it.
func (b By) Validate() error {
	if _, ok := strategies[b.Using]; !ok {
		return fmt.Errorf("unknown locator strategy %q", b.Using)
	}
	if strings.TrimSpace(b.Value) == "" {
		return fmt.Errorf("locator %s requires a value", b.Using)
	}
	if b.Using == ClassName && strings.ContainsAny(b.Value, " \t\n") {
		return fmt.Errorf("class name %q must be a single class", b.Value)
	}
	return nil
}

// FromMap builds a locator from a single-entry map such as
// {"css": "#login"}, the shape automation scripts use. The explicit form
// {"using": "css", "value": "#login"} is accepted too.
func FromMap(m map[string]any) (By, error) {
	if using, ok := m["using"]; ok {
		b := By{Using: Strategy(fmt.Sprint(using)), Value: fmt.Sprint(m["value"])}
		return b, b.Validate()
	}
	if len(m) != 1 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return By{}, fmt.Errorf("locator needs exactly one strategy, got %v", keys)
	}
	var b By
	for k, v := range m {
		value, ok := v.(string)
		if !ok {
			return By{}, fmt.Errorf("locator %s: value must be a string, got %T", k, v)
		}
		b = By{Using: Strategy(k), Value: value}
	}
	return b, b.Validate()
}

// Selector compiles the locator. isXPath reports which language sel is in.
func (b By) Selector() (sel string, isXPath bool) {
	switch b.Using {
	case ID:
		return fmt.Sprintf(`[id="%s"]`, cssEscape(b.Value)), false
	case Name:
		return fmt.Sprintf(`[name="%s"]`, cssEscape(b.Value)), false
	case ClassName:
		return fmt.Sprintf(`[class~="%s"]`, cssEscape(b.Value)), false
	case XPath:
		return b.Value, true
	case LinkText:
		return fmt.Sprintf("//a[normalize-space(.)=%s]", xpathLiteral(strings.TrimSpace(b.Value))), true
	default:
		return b.Value, false
	}
}

// QueryOptions returns the chromedp selector and query option that find
// the first match.
func (b By) QueryOptions() (string, chromedp.QueryOption) {
	sel, isXPath := b.Selector()
	if isXPath {
		return sel, chromedp.BySearch
	}
	return sel, chromedp.ByQuery
}

// QueryAllOptions is QueryOptions for every match.
func (b By) QueryAllOptions() (string, chromedp.QueryOption) {
	sel, isXPath := b.Selector()
	if isXPath {
		return sel, chromedp.BySearch
	}
	return sel, chromedp.ByQueryAll
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// xpathLiteral quotes s for XPath 1.0, which has no escape sequences.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + p + "'"
	}
	return "concat(" + strings.Join(quoted, `, "'", `) + ")"
}
