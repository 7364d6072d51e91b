package analyzer

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"uirunner/internal/types"
)

// interactiveTags are the element kinds the extractor collects.
var interactiveTags = map[string]bool{
	"button":   true,
	"input":    true,
	"a":        true,
	"select":   true,
	"textarea": true,
}

const maxElementText = 80

// ExtractElements parses the DOM and returns interactive elements in
// document order, capped at limit, plus the total found before capping.
func ExtractElements(dom string, limit int) ([]types.InteractiveElement, int, error) {
	root, err := html.Parse(strings.NewReader(dom))
	if err != nil {
		return nil, 0, fmt.Errorf("parse dom: %w", err)
	}

	var out []types.InteractiveElement
	total := 0
	// nth-of-type counters keyed by parent node and tag.
	counts := make(map[*html.Node]map[string]int)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.Parent != nil {
				if counts[n.Parent] == nil {
					counts[n.Parent] = make(map[string]int)
				}
				counts[n.Parent][n.Data]++
			}
			if interactiveTags[n.Data] {
				total++
				if limit <= 0 || len(out) < limit {
					nth := 1
					if n.Parent != nil {
						nth = counts[n.Parent][n.Data]
					}
					out = append(out, buildElement(n, nth))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out, total, nil
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, name string) bool {
	for _, a := range n.Attr {
		if a.Key == name {
			return true
		}
	}
	return false
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	text := strings.Join(strings.Fields(b.String()), " ")
	if len(text) > maxElementText {
		text = text[:maxElementText]
	}
	return text
}

func buildElement(n *html.Node, nth int) types.InteractiveElement {
	el := types.InteractiveElement{
		Type:       n.Data,
		Role:       attr(n, "role"),
		Text:       innerText(n),
		AriaLabel:  attr(n, "aria-label"),
		Name:       attr(n, "name"),
		Href:       attr(n, "href"),
		IsRequired: hasAttr(n, "required"),
	}
	if n.Data == "input" {
		if t := attr(n, "type"); t != "" {
			el.Type = "input:" + t
			el.IsHidden = t == "hidden"
		}
	}
	if hasAttr(n, "hidden") || strings.Contains(attr(n, "style"), "display:none") ||
		strings.Contains(attr(n, "style"), "display: none") {
		el.IsHidden = true
	}
	el.Selector = buildSelector(n, nth)
	return el
}

// buildSelector derives a best-effort CSS selector with a fixed priority:
// #id, [data-testid], [data-id], href (links), [name], [placeholder],
// input type, [aria-label] (buttons), :has-text, nth-of-type.
func buildSelector(n *html.Node, nth int) string {
	tag := n.Data
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}
	if v := attr(n, "data-testid"); v != "" {
		return fmt.Sprintf(`%s[data-testid="%s"]`, tag, v)
	}
	if v := attr(n, "data-id"); v != "" {
		return fmt.Sprintf(`%s[data-id="%s"]`, tag, v)
	}
	if tag == "a" {
		if href := attr(n, "href"); href != "" && href != "#" {
			return fmt.Sprintf(`a[href="%s"]`, href)
		}
	}
	if v := attr(n, "name"); v != "" {
		return fmt.Sprintf(`%s[name="%s"]`, tag, v)
	}
	if v := attr(n, "placeholder"); v != "" {
		return fmt.Sprintf(`%s[placeholder="%s"]`, tag, v)
	}
	if tag == "input" {
		if v := attr(n, "type"); v != "" {
			return fmt.Sprintf(`input[type="%s"]`, v)
		}
	}
	if tag == "button" {
		if v := attr(n, "aria-label"); v != "" {
			return fmt.Sprintf(`button[aria-label="%s"]`, v)
		}
	}
	if text := innerText(n); text != "" && len(text) <= 40 {
		return fmt.Sprintf(`%s:has-text("%s")`, tag, text)
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", tag, nth)
}

// BuildAccessibilitySummary flags interactive elements with no accessible
// name and hidden interactive elements, capped at limit.
func BuildAccessibilitySummary(elements []types.InteractiveElement, limit int) []types.AccessibilityIssue {
	var out []types.AccessibilityIssue
	for _, el := range elements {
		if limit > 0 && len(out) >= limit {
			break
		}
		switch {
		case el.IsHidden:
			out = append(out, types.AccessibilityIssue{
				Selector: el.Selector,
				Type:     "hidden_interactive",
				Detail:   "interactive element is hidden",
			})
		case el.Text == "" && el.AriaLabel == "" && el.Name == "":
			out = append(out, types.AccessibilityIssue{
				Selector: el.Selector,
				Type:     "missing_label",
				Detail:   "no text, aria-label, or name",
			})
		}
	}
	return out
}
