package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind enumerates the action ADT. The model returns stringly JSON; the
// planner parses it into an Action and validates the preconditions below
// before anything touches the page.
type ActionKind string

const (
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionNavigate ActionKind = "navigate"
	ActionWait     ActionKind = "wait"
	ActionAssert   ActionKind = "assert"
	ActionComplete ActionKind = "complete"
)

// ActionContext tells the retry layer where an action originates. Cookie
// consent actions are never retried or healed.
type ActionContext string

const (
	ContextDefault       ActionContext = "default"
	ContextCookieConsent ActionContext = "cookie_consent"
)

// Action is one step the executor dispatches to the browser.
type Action struct {
	Kind        ActionKind `json:"action"`
	Selector    string     `json:"selector,omitempty"`
	Value       string     `json:"value,omitempty"`
	URL         string     `json:"url,omitempty"`
	WaitMs      int        `json:"wait_ms,omitempty"`
	Predicate   string     `json:"predicate,omitempty"` // assert: visible, text, enabled
	Description string     `json:"description,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
}

// selectorRequired holds the kinds that cannot run without a selector.
var selectorRequired = map[ActionKind]bool{
	ActionClick:  true,
	ActionType:   true,
	ActionAssert: true,
}

// Validate checks the ADT preconditions.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionClick, ActionType, ActionScroll, ActionNavigate, ActionWait, ActionAssert, ActionComplete:
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if selectorRequired[a.Kind] && strings.TrimSpace(a.Selector) == "" {
		return fmt.Errorf("action %s requires a selector", a.Kind)
	}
	if a.Kind == ActionType && a.Value == "" {
		return fmt.Errorf("action type requires a value")
	}
	if a.Kind == ActionNavigate && strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("action navigate requires a url")
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", a.Confidence)
	}
	return nil
}

// Retryable reports whether the retry layer may wrap this action.
func (a Action) Retryable() bool {
	return selectorRequired[a.Kind]
}

// ConsumesAI reports whether dispatching this action required a model call.
// Scroll/wait never do; everything planned by the LLM does.
func (a Action) ConsumesAI() bool {
	switch a.Kind {
	case ActionWait, ActionScroll:
		return false
	}
	return true
}

// ParseAction decodes a model JSON reply into a validated Action.
func ParseAction(raw string) (Action, error) {
	var a Action
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &a); err != nil {
		return Action{}, fmt.Errorf("parse action: %w", err)
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (a Action) String() string {
	switch a.Kind {
	case ActionClick:
		return fmt.Sprintf("click %s", a.Selector)
	case ActionType:
		return fmt.Sprintf("type %q into %s", a.Value, a.Selector)
	case ActionNavigate:
		return fmt.Sprintf("navigate %s", a.URL)
	case ActionWait:
		return fmt.Sprintf("wait %dms", a.WaitMs)
	case ActionAssert:
		return fmt.Sprintf("assert %s %s", a.Selector, a.Predicate)
	default:
		return string(a.Kind)
	}
}
