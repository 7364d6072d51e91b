// Package browser owns the engine's browser processes and sessions. One
// long-lived process per browser-type is shared across runs; each run gets
// its own session (an isolated page) that is closed on run exit. Components
// above this package only see the Driver interface.
package browser

import (
	"context"
	"time"

	"uirunner/internal/types"
)

// Driver is the per-run browser session surface the engine drives. All
// blocking operations take a context; implementations must honor deadlines.
type Driver interface {
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	CurrentURL(ctx context.Context) (string, error)
	Reload(ctx context.Context) error
	WaitForLoadState(ctx context.Context, timeout time.Duration) error

	Click(ctx context.Context, selector string, force bool) error
	ClickAt(ctx context.Context, x, y float64) error
	Type(ctx context.Context, selector, text string) error
	Scroll(ctx context.Context, deltaY int) error
	ScrollTop(ctx context.Context) error
	PressKey(ctx context.Context, key string) error

	Screenshot(ctx context.Context) ([]byte, error)
	DOMSnapshot(ctx context.Context) (string, error)
	// Evaluate runs a JS expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, js string, out any) error

	IsVisible(ctx context.Context, selector string) (bool, error)
	IsEnabled(ctx context.Context, selector string) (bool, error)
	Text(ctx context.Context, selector string) (string, error)
	BoundingBox(ctx context.Context, selector string) (*types.Rect, error)

	Close() error
}
