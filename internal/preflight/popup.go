// Package preflight owns the page-readiness gate: the cookie consent
// call, the non-cookie popup scan, and blocking-overlay dismissal. Once
// it marks preflight COMPLETED, nothing downstream may dismiss overlays
// again.
package preflight

import (
	"context"
	"fmt"
	"strings"

	"uirunner/internal/browser"
	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// indicatorSelectors is the fixed list the popup scan probes.
var indicatorSelectors = []string{
	`[class*="newsletter"]`,
	`[id*="newsletter"]`,
	`[class*="subscribe"]`,
	`[id*="subscribe"]`,
	`#intercom-container`,
	`.intercom-messenger`,
	`[class*="chat-widget"]`,
	`[class*="livechat"]`,
	`[class*="promo"]`,
	`[class*="popup"]`,
	`[class*="overlay"]`,
	`[role="dialog"]`,
	`[aria-modal="true"]`,
	`.modal`,
}

const (
	blockingZIndex   = 1000
	blockingCoverage = 0.15
)

var cookieWords = []string{"cookie", "consent", "gdpr", "privacy policy"}

// popupProbe is what the in-page scan reports per indicator hit.
type popupProbe struct {
	Selector string  `json:"selector"`
	Text     string  `json:"text"`
	ZIndex   int     `json:"zIndex"`
	Coverage float64 `json:"coverage"`
	IsDialog bool    `json:"isDialog"`
}

// popupScanJS probes every indicator selector in one pass and reports the
// visible hits with their computed z-index, viewport coverage, and dialog
// role.
var popupScanJS = fmt.Sprintf(`() => {
	const selectors = [%s];
	const out = [];
	for (const sel of selectors) {
		let el;
		try { el = document.querySelector(sel); } catch (e) { continue; }
		if (!el) continue;
		const style = window.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		if (rect.width === 0 || rect.height === 0) continue;
		const viewport = window.innerWidth * window.innerHeight;
		out.push({
			selector: sel,
			text: (el.innerText || '').slice(0, 200),
			zIndex: parseInt(style.zIndex, 10) || 0,
			coverage: viewport > 0 ? (rect.width * rect.height) / viewport : 0,
			isDialog: el.getAttribute('role') === 'dialog'
				|| el.getAttribute('aria-modal') === 'true'
				|| el.classList.contains('modal'),
		});
	}
	return out;
}`, quoteList(indicatorSelectors))

func quoteList(selectors []string) string {
	quoted := make([]string, len(selectors))
	for i, s := range selectors {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ",")
}

// Scanner finds non-cookie popups. One pass per page, enforced by the
// scanned set.
type Scanner struct {
	drv     browser.Driver
	scanned map[string]bool
}

// NewScanner creates a per-run popup scanner.
func NewScanner(drv browser.Driver) *Scanner {
	return &Scanner{drv: drv, scanned: make(map[string]bool)}
}

// Scan probes the page once and returns classified detections. Cookie
// banners are excluded here; they belong to the consent machine. Scan
// never dismisses anything.
func (s *Scanner) Scan(ctx context.Context, pageURL string) ([]types.PopupDetection, error) {
	if s.scanned[pageURL] {
		return nil, nil
	}
	s.scanned[pageURL] = true

	var probes []popupProbe
	if err := s.drv.Evaluate(ctx, popupScanJS, &probes); err != nil {
		return nil, fmt.Errorf("popup scan: %w", err)
	}

	var out []types.PopupDetection
	for _, p := range probes {
		if isCookieText(p.Text) {
			continue
		}
		d := types.PopupDetection{
			Selector: p.Selector,
			Type:     classifyPopup(p.Selector, p.Text),
			Text:     p.Text,
			ZIndex:   p.ZIndex,
			Coverage: p.Coverage,
			IsDialog: p.IsDialog,
		}
		d.BlockingUI = p.ZIndex >= blockingZIndex || p.Coverage > blockingCoverage || p.IsDialog
		out = append(out, d)
	}
	if len(out) > 0 {
		logging.Get(logging.CategoryPopup).Infow("popups detected", "url", pageURL, "count", len(out))
	}
	return out, nil
}

func isCookieText(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range cookieWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func classifyPopup(selector, text string) types.PopupType {
	probe := strings.ToLower(selector + " " + text)
	switch {
	case strings.Contains(probe, "newsletter") || strings.Contains(probe, "subscribe"):
		return types.PopupNewsletter
	case strings.Contains(probe, "chat") || strings.Contains(probe, "intercom") || strings.Contains(probe, "messenger"):
		return types.PopupChat
	case strings.Contains(probe, "promo") || strings.Contains(probe, "sale") ||
		strings.Contains(probe, "discount") || strings.Contains(probe, "% off"):
		return types.PopupPromo
	default:
		return types.PopupUnknown
	}
}
