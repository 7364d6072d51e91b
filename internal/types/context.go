package types

import "time"

// InteractiveElement is one actionable node extracted from the DOM, possibly
// annotated by the vision model.
type InteractiveElement struct {
	Type       string `json:"type"` // button, input, link, select, textarea
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	AriaLabel  string `json:"aria_label,omitempty"`
	Name       string `json:"name,omitempty"`
	Selector   string `json:"selector"`
	Href       string `json:"href,omitempty"`
	Bounds     *Rect  `json:"bounds,omitempty"`
	IsHidden   bool   `json:"is_hidden,omitempty"`
	IsRequired bool   `json:"is_required,omitempty"`

	// Vision annotations, only set when vision validation ran.
	VisionValidated bool `json:"vision_validated,omitempty"`
	VisionVisible   bool `json:"vision_visible,omitempty"`
}

// AccessibilityIssue flags a node the analyzer considers problematic.
type AccessibilityIssue struct {
	Selector string `json:"selector"`
	Type     string `json:"type"` // missing_label, hidden_interactive
	Detail   string `json:"detail,omitempty"`
}

// PageState is what the vision model reports about the page as a whole.
type PageState struct {
	HasOverlay bool   `json:"has_overlay"`
	HasModal   bool   `json:"has_modal"`
	Loaded     bool   `json:"loaded"`
	Notes      string `json:"notes,omitempty"`
}

// VisionContext is the per-page artifact every AI-facing component consumes:
// an ordered element set, the accessibility summary, and capture metadata.
type VisionContext struct {
	URL             string               `json:"url,omitempty"`
	Elements        []InteractiveElement `json:"elements"`
	Accessibility   []AccessibilityIssue `json:"accessibility,omitempty"`
	TotalFound      int                  `json:"total_found"`
	Truncated       bool                 `json:"truncated,omitempty"`
	VisionValidated bool                 `json:"vision_validated,omitempty"`
	PageState       *PageState           `json:"page_state,omitempty"`
	CapturedAt      time.Time            `json:"captured_at"`
}

// VisibleElements returns the elements the vision model confirmed visible,
// or all elements when vision never ran.
func (c *VisionContext) VisibleElements() []InteractiveElement {
	if !c.VisionValidated {
		return c.Elements
	}
	out := make([]InteractiveElement, 0, len(c.Elements))
	for _, el := range c.Elements {
		if el.VisionVisible {
			out = append(out, el)
		}
	}
	if len(out) == 0 {
		return c.Elements
	}
	return out
}
