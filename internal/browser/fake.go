package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"uirunner/internal/types"
)

// Fake is a scripted in-memory Driver used by package tests across the
// engine. State maps are consulted per call; hooks override whole
// operations. Every mutation is appended to Ops for assertions.
type Fake struct {
	mu sync.Mutex

	URL     string
	DOM     string
	PNG     []byte
	Visible map[string]bool
	Enabled map[string]bool
	Texts   map[string]string
	Boxes   map[string]types.Rect

	// Hooks override the default behavior when non-nil.
	ClickHook func(selector string, force bool) error
	TypeHook  func(selector, text string) error
	EvalHook  func(js string, out any) error

	Ops    []string
	Closed bool
}

var _ Driver = (*Fake)(nil)

// NewFake creates an empty scripted driver.
func NewFake() *Fake {
	return &Fake{
		Visible: make(map[string]bool),
		Enabled: make(map[string]bool),
		Texts:   make(map[string]string),
		Boxes:   make(map[string]types.Rect),
		PNG:     []byte("png"),
	}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ops = append(f.Ops, op)
}

// OpLog returns a copy of the recorded operations.
func (f *Fake) OpLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Ops))
	copy(out, f.Ops)
	return out
}

// SetVisible scripts an element's visibility.
func (f *Fake) SetVisible(selector string, visible bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Visible[selector] = visible
	if _, ok := f.Enabled[selector]; !ok {
		f.Enabled[selector] = true
	}
}

func (f *Fake) Navigate(_ context.Context, url string, _ time.Duration) error {
	f.record("navigate " + url)
	f.mu.Lock()
	f.URL = url
	f.mu.Unlock()
	return nil
}

func (f *Fake) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.URL, nil
}

func (f *Fake) Reload(context.Context) error {
	f.record("reload")
	return nil
}

func (f *Fake) WaitForLoadState(context.Context, time.Duration) error {
	f.record("wait-load")
	return nil
}

func (f *Fake) Click(_ context.Context, selector string, force bool) error {
	f.record(fmt.Sprintf("click %s force=%v", selector, force))
	if f.ClickHook != nil {
		return f.ClickHook(selector, force)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Visible[selector]; !ok {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

func (f *Fake) ClickAt(_ context.Context, x, y float64) error {
	f.record(fmt.Sprintf("click-at %.0f,%.0f", x, y))
	return nil
}

func (f *Fake) Type(_ context.Context, selector, text string) error {
	f.record(fmt.Sprintf("type %s %q", selector, text))
	if f.TypeHook != nil {
		return f.TypeHook(selector, text)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Visible[selector]; !ok {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

func (f *Fake) Scroll(_ context.Context, deltaY int) error {
	f.record(fmt.Sprintf("scroll %d", deltaY))
	return nil
}

func (f *Fake) ScrollTop(context.Context) error {
	f.record("scroll-top")
	return nil
}

func (f *Fake) PressKey(_ context.Context, key string) error {
	f.record("press " + key)
	return nil
}

func (f *Fake) Screenshot(context.Context) ([]byte, error) {
	f.record("screenshot")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PNG, nil
}

func (f *Fake) DOMSnapshot(context.Context) (string, error) {
	f.record("dom-snapshot")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.DOM, nil
}

func (f *Fake) Evaluate(_ context.Context, js string, out any) error {
	f.record("evaluate")
	if f.EvalHook != nil {
		return f.EvalHook(js, out)
	}
	return nil
}

func (f *Fake) IsVisible(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Visible[selector], nil
}

func (f *Fake) IsEnabled(_ context.Context, selector string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.Enabled[selector]; ok {
		return v, nil
	}
	return false, fmt.Errorf("element not found: %s", selector)
}

func (f *Fake) Text(_ context.Context, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.Texts[selector]; ok {
		return t, nil
	}
	return "", nil
}

func (f *Fake) BoundingBox(_ context.Context, selector string) (*types.Rect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.Boxes[selector]; ok {
		return &r, nil
	}
	return nil, fmt.Errorf("no box for %s", selector)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
