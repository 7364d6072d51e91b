package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"uirunner/internal/config"
	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// Session is the rod-backed Driver for one run. It owns an isolated
// incognito page; Close releases the page but never the browser process.
type Session struct {
	ID   string
	page *rod.Page
	cfg  config.BrowserConfig
}

var _ Driver = (*Session)(nil)

func newSession(b *rod.Browser, cfg config.BrowserConfig, desc *types.RunDescriptor) (*Session, error) {
	incognito, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	width, height := cfg.GetViewportWidth(), cfg.GetViewportHeight()
	if desc.Viewport.Width > 0 {
		width = desc.Viewport.Width
	}
	if desc.Viewport.Height > 0 {
		height = desc.Viewport.Height
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            desc.IsMobile(),
	}).Call(page); err != nil {
		logging.Get(logging.CategoryBrowser).Warnw("set viewport failed", "err", err)
	}

	s := &Session{ID: uuid.NewString(), page: page, cfg: cfg}
	logging.Get(logging.CategoryBrowser).Infow("session opened",
		"session", s.ID, "run", desc.RunID, "viewport", fmt.Sprintf("%dx%d", width, height))
	return s, nil
}

// Navigate implements Driver.
func (s *Session) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.NavigationTimeout
	}
	p := s.page.Context(ctx).Timeout(timeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return p.WaitLoad()
}

// CurrentURL implements Driver.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Reload implements Driver.
func (s *Session) Reload(ctx context.Context) error {
	return s.page.Context(ctx).Reload()
}

// WaitForLoadState implements Driver: waits for network idle.
func (s *Session) WaitForLoadState(ctx context.Context, timeout time.Duration) error {
	p := s.page.Context(ctx).Timeout(timeout)
	wait := p.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
	wait()
	return nil
}

func (s *Session) element(ctx context.Context, selector string) (*rod.Element, error) {
	has, el, err := s.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, fmt.Errorf("element not found: %s", selector)
	}
	return el, nil
}

// Click implements Driver. The soft path is a trusted input click; force
// falls back to a synthetic JS click for elements the pointer cannot reach.
func (s *Session) Click(ctx context.Context, selector string, force bool) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if force {
		_, err = el.Eval(`() => this.click()`)
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// ClickAt implements Driver: a raw coordinate click, used for backdrop
// dismissal.
func (s *Session) ClickAt(ctx context.Context, x, y float64) error {
	p := s.page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Type implements Driver.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Type(input.Backspace)
	}
	return el.Input(text)
}

// Scroll implements Driver.
func (s *Session) Scroll(ctx context.Context, deltaY int) error {
	return s.page.Context(ctx).Mouse.Scroll(0, float64(deltaY), 2)
}

// ScrollTop implements Driver.
func (s *Session) ScrollTop(ctx context.Context) error {
	_, err := s.page.Context(ctx).Eval(`() => window.scrollTo(0, 0)`)
	return err
}

var keyMap = map[string]input.Key{
	"Escape": input.Escape,
	"Enter":  input.Enter,
	"Tab":    input.Tab,
}

// PressKey implements Driver.
func (s *Session) PressKey(ctx context.Context, key string) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("unsupported key %q", key)
	}
	return s.page.Context(ctx).Keyboard.Press(k)
}

// Screenshot implements Driver: full-viewport PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// DOMSnapshot implements Driver.
func (s *Session) DOMSnapshot(ctx context.Context) (string, error) {
	return s.page.Context(ctx).HTML()
}

// Evaluate implements Driver.
func (s *Session) Evaluate(ctx context.Context, js string, out any) error {
	res, err := s.page.Context(ctx).Eval(js)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if out == nil {
		return nil
	}
	data, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// IsVisible implements Driver. A missing element is not an error, just not
// visible.
func (s *Session) IsVisible(ctx context.Context, selector string) (bool, error) {
	has, el, err := s.page.Context(ctx).Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Visible()
}

// IsEnabled implements Driver.
func (s *Session) IsEnabled(ctx context.Context, selector string) (bool, error) {
	el, err := s.element(ctx, selector)
	if err != nil {
		return false, err
	}
	res, err := el.Eval(`() => !this.disabled`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Text implements Driver.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	el, err := s.element(ctx, selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

// BoundingBox implements Driver.
func (s *Session) BoundingBox(ctx context.Context, selector string) (*types.Rect, error) {
	el, err := s.element(ctx, selector)
	if err != nil {
		return nil, err
	}
	shape, err := el.Shape()
	if err != nil {
		return nil, err
	}
	box := shape.Box()
	if box == nil {
		return nil, fmt.Errorf("no box for %s", selector)
	}
	return &types.Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

// Close releases the page. The browser process stays up for reuse.
func (s *Session) Close() error {
	logging.Get(logging.CategoryBrowser).Infow("session closed", "session", s.ID)
	return s.page.Close()
}
