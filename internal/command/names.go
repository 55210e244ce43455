package command

// Name identifies an operation in the command catalog.
type Name string

// Built-in commands executed locally by the processor.
const (
	Sleep    Name = "SLEEP"
	Wait     Name = "WAIT"
	Function Name = "FUNCTION"
)

// Backend commands. The engine treats these opaquely.
const (
	NewSession             Name = "NEW_SESSION"
	Quit                   Name = "QUIT"
	Get                    Name = "GET"
	GetCurrentURL          Name = "GET_CURRENT_URL"
	GetTitle               Name = "GET_TITLE"
	GetPageSource          Name = "GET_PAGE_SOURCE"
	GoBack                 Name = "GO_BACK"
	GoForward              Name = "GO_FORWARD"
	Refresh                Name = "REFRESH"
	ExecuteScript          Name = "EXECUTE_SCRIPT"
	Screenshot             Name = "SCREENSHOT"
	FindElement            Name = "FIND_ELEMENT"
	FindElements           Name = "FIND_ELEMENTS"
	FindChildElement       Name = "FIND_CHILD_ELEMENT"
	IsElementDisplayed     Name = "IS_ELEMENT_DISPLAYED"
	ClickElement           Name = "CLICK_ELEMENT"
	SendKeysToElement      Name = "SEND_KEYS_TO_ELEMENT"
	ClearElement           Name = "CLEAR_ELEMENT"
	SubmitElement          Name = "SUBMIT_ELEMENT"
	GetElementText         Name = "GET_ELEMENT_TEXT"
	GetElementAttribute    Name = "GET_ELEMENT_ATTRIBUTE"
	GetWindowHandles       Name = "GET_WINDOW_HANDLES"
	GetCurrentWindowHandle Name = "GET_CURRENT_WINDOW_HANDLE"
	SwitchToWindow         Name = "SWITCH_TO_WINDOW"
	SwitchToFrame          Name = "SWITCH_TO_FRAME"
	SwitchToDefaultContent Name = "SWITCH_TO_DEFAULT_CONTENT"
	Close                  Name = "CLOSE"
)

var catalog = map[Name]struct{}{
	Sleep: {}, Wait: {}, Function: {},
	NewSession: {}, Quit: {}, Get: {}, GetCurrentURL: {}, GetTitle: {},
	GetPageSource: {}, GoBack: {}, GoForward: {}, Refresh: {},
	ExecuteScript: {}, Screenshot: {}, FindElement: {}, FindElements: {},
	FindChildElement: {}, IsElementDisplayed: {}, ClickElement: {},
	SendKeysToElement: {}, ClearElement: {}, SubmitElement: {},
	GetElementText: {}, GetElementAttribute: {}, GetWindowHandles: {},
	GetCurrentWindowHandle: {}, SwitchToWindow: {}, SwitchToFrame: {},
	SwitchToDefaultContent: {}, Close: {},
}

// Valid reports whether n is part of the catalog.
func (n Name) Valid() bool {
	_, ok := catalog[n]
	return ok
}

// IsBuiltin reports whether the processor executes n locally.
func (n Name) IsBuiltin() bool {
	return n == Sleep || n == Wait || n == Function
}

func (n Name) String() string { return string(n) }
