package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"uirunner/internal/browser"
	"uirunner/internal/model"
)

// domVerdict is the result of the in-page consent element scan.
type domVerdict struct {
	Visible   int      `json:"visible"`
	Ambiguous int      `json:"ambiguous"`
	Samples   []string `json:"samples"`
}

type domClass string

const (
	classDismissed domClass = "clearly-dismissed"
	classVisible   domClass = "clearly-visible"
	classAmbiguous domClass = "ambiguous"
)

func (v domVerdict) classify() domClass {
	switch {
	case v.Visible > 0:
		return classVisible
	case v.Ambiguous > 0:
		return classAmbiguous
	default:
		return classDismissed
	}
}

// domVerifyJS scans elements carrying cookie/consent/gdpr markers and
// buckets them by style, viewport position, and size. Zero-size or
// display:none elements count as dismissed; on-screen elements with real
// area count as visible; the rest are ambiguous.
const domVerifyJS = `() => {
	const markers = '[id*="cookie" i],[class*="cookie" i],[id*="consent" i],[class*="consent" i],[id*="gdpr" i],[class*="gdpr" i]';
	const out = { visible: 0, ambiguous: 0, samples: [] };
	for (const el of document.querySelectorAll(markers)) {
		const style = window.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') continue;
		if (rect.width === 0 || rect.height === 0) continue;
		const onScreen = rect.bottom > 0 && rect.top < window.innerHeight;
		const area = rect.width * rect.height;
		if (onScreen && area > 10000) {
			out.visible++;
			if (out.samples.length < 5) {
				out.samples.push((el.id ? '#' + el.id : el.tagName.toLowerCase() + '.' + el.className).slice(0, 80));
			}
		} else {
			out.ambiguous++;
		}
	}
	return out;
}`

// verifyDOM runs the in-page scan and classifies the result.
func verifyDOM(ctx context.Context, drv browser.Driver) (domVerdict, domClass, error) {
	var v domVerdict
	if err := drv.Evaluate(ctx, domVerifyJS, &v); err != nil {
		return v, classAmbiguous, fmt.Errorf("dom verify: %w", err)
	}
	return v, v.classify(), nil
}

// LingeringElements reports how many consent-marked elements are still
// clearly visible on the page. Read-only; the preflight orchestrator uses
// it for its post-resolution VERIFY warning.
func LingeringElements(ctx context.Context, drv browser.Driver) (int, error) {
	v, _, err := verifyDOM(ctx, drv)
	if err != nil {
		return 0, err
	}
	return v.Visible, nil
}

// visionBannerVisible asks the vision model the binary question. The reply
// is JSON {"visible": bool}; a fence-wrapped reply is tolerated.
func visionBannerVisible(ctx context.Context, m model.Caller, png []byte) (bool, error) {
	raw, err := m.CallWithVision(ctx, png,
		"Is a cookie or consent banner visible in this screenshot?",
		`You inspect screenshots for cookie consent banners. Reply with JSON only: {"visible": true|false}.`)
	if err != nil {
		return false, err
	}
	var out struct {
		Visible bool `json:"visible"`
	}
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return false, fmt.Errorf("parse vision banner verdict: %w", err)
	}
	return out.Visible, nil
}
