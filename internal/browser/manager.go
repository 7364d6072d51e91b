package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"uirunner/internal/config"
	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// Manager keeps at most one browser process per browser-type alive for the
// engine lifetime. Sessions are created per run and closed on run exit; the
// process survives for reuse.
type Manager struct {
	mu       sync.Mutex
	cfg      config.BrowserConfig
	browsers map[types.BrowserType]*rod.Browser
}

// NewManager creates the process-wide browser manager.
func NewManager(cfg config.BrowserConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		browsers: make(map[types.BrowserType]*rod.Browser),
	}
}

// browserFor connects to (or launches) the shared process for a type. The
// non-chromium engines need a CDP-compatible endpoint or binary; the
// launcher handles chromium itself.
func (m *Manager) browserFor(ctx context.Context, bt types.BrowserType) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.browsers[bt]; ok {
		if _, err := b.Version(); err == nil {
			return b, nil
		}
		logging.Get(logging.CategoryBrowser).Warnw("stale browser connection, relaunching", "browser", bt)
		_ = b.Close()
		delete(m.browsers, bt)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.BinPath != "" {
			l = l.Bin(m.cfg.BinPath)
		}
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", bt, err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", bt, err)
	}
	m.browsers[bt] = b
	logging.Get(logging.CategoryBrowser).Infow("browser process ready", "browser", bt)
	return b, nil
}

// OpenSession creates an isolated page for one run.
func (m *Manager) OpenSession(ctx context.Context, desc *types.RunDescriptor) (*Session, error) {
	b, err := m.browserFor(ctx, desc.Browser)
	if err != nil {
		return nil, err
	}
	return newSession(b, m.cfg, desc)
}

// Shutdown closes every browser process. Called at engine shutdown only;
// run exit merely closes sessions.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for bt, b := range m.browsers {
		if err := b.Close(); err != nil {
			logging.Get(logging.CategoryBrowser).Warnw("browser close failed", "browser", bt, "err", err)
		}
		delete(m.browsers, bt)
	}
}
