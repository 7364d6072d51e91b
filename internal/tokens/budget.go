// Package tokens bounds every model prompt by construction. Components never
// concatenate prompt strings ad hoc; they describe the parts and let
// BuildBoundedPrompt allocate the budget. The 4-chars-per-token estimate is
// deliberately conservative.
package tokens

import (
	"fmt"
	"regexp"
	"strings"
)

// CallType names a budgeted model call category.
type CallType string

const (
	CallPlanning      CallType = "planning"
	CallDiagnosis     CallType = "diagnosis"
	CallTestability   CallType = "testability"
	CallAction        CallType = "action"
	CallCookieBanner  CallType = "cookie_banner"
	CallErrorAnalysis CallType = "error_analysis"
	CallHealing       CallType = "healing"
	CallSynthesis     CallType = "synthesis"
	CallSummary       CallType = "summary"
)

// budgets holds the per-call-type token caps.
var budgets = map[CallType]int{
	CallPlanning:      3000,
	CallDiagnosis:     3000,
	CallTestability:   2500,
	CallAction:        2000,
	CallCookieBanner:  1500,
	CallErrorAnalysis: 2000,
	CallHealing:       2000,
	CallSynthesis:     2500,
	CallSummary:       2000,
}

// BudgetFor returns the token cap for a call type. Unknown types get the
// action budget, the most constrained general-purpose one.
func BudgetFor(t CallType) int {
	if b, ok := budgets[t]; ok {
		return b
	}
	return budgets[CallAction]
}

// EstimateTokens approximates the token count of text as ceil(len/4).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

var (
	scriptRe     = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	styleRe      = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	commentRe    = regexp.MustCompile(`(?s)<!--.*?-->`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// PruneDOM strips script/style/comments, collapses whitespace, and truncates
// to maxChars, backing up to the last tag boundary when one sits at ≥90% of
// the limit. Idempotent: pruning pruned output is a no-op.
func PruneDOM(html string, maxChars int) string {
	s := scriptRe.ReplaceAllString(html, "")
	s = styleRe.ReplaceAllString(s, "")
	s = commentRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	cut := s[:maxChars]
	if idx := strings.LastIndex(cut, ">"); idx+1 >= maxChars*9/10 {
		cut = cut[:idx+1]
	}
	return strings.TrimSpace(cut)
}

// LimitHistory keeps the last n entries.
func LimitHistory(seq []string, n int) []string {
	if n <= 0 || len(seq) <= n {
		return seq
	}
	return seq[len(seq)-n:]
}

// PromptParts describes the content competing for a prompt budget.
type PromptParts struct {
	Base     string   // instruction header, never truncated
	Goal     string   // current goal, ≤200 tokens
	Elements string   // serialized element list, ≤50% of the remainder
	History  []string // recent actions, ≤20% of the remainder, keep tail
	DOM      string   // pruned DOM, takes whatever is left
}

// structural overhead reserved alongside the base prompt.
const baseReserve = 200

// BuildBoundedPrompt assembles a prompt guaranteed to fit the call type's
// token budget. Allocation is deterministic: ~200 tokens reserved for base
// and structure, goal capped at 200, elements at half the remainder (keep
// the start, most relevant elements come first), history at a fifth (keep
// the end for recency), and the DOM gets the rest.
func BuildBoundedPrompt(parts PromptParts, callType CallType) (string, error) {
	budget := BudgetFor(callType)
	baseTokens := EstimateTokens(parts.Base)
	if baseTokens > budget-100 {
		return "", fmt.Errorf("base prompt (%d tokens) exceeds %s budget %d", baseTokens, callType, budget)
	}

	remaining := budget - baseTokens - baseReserve
	if remaining < 0 {
		remaining = 0
	}

	var b strings.Builder
	b.WriteString(parts.Base)

	if parts.Goal != "" {
		goalCap := 200
		if goalCap > remaining {
			goalCap = remaining
		}
		goal := truncateHead(parts.Goal, goalCap*4)
		if goal != "" {
			b.WriteString("\n\nGoal: ")
			b.WriteString(goal)
			remaining -= EstimateTokens(goal)
		}
	}

	if parts.Elements != "" && remaining > 0 {
		elemCap := remaining / 2
		elems := truncateHead(parts.Elements, elemCap*4)
		if elems != "" {
			b.WriteString("\n\nInteractive elements:\n")
			b.WriteString(elems)
			remaining -= EstimateTokens(elems)
		}
	}

	if len(parts.History) > 0 && remaining > 0 {
		histCap := remaining / 5
		hist := truncateTail(strings.Join(parts.History, "\n"), histCap*4)
		if hist != "" {
			b.WriteString("\n\nRecent actions:\n")
			b.WriteString(hist)
			remaining -= EstimateTokens(hist)
		}
	}

	if parts.DOM != "" && remaining > 0 {
		dom := PruneDOM(parts.DOM, remaining*4)
		if dom != "" {
			b.WriteString("\n\nPage DOM (pruned):\n")
			b.WriteString(dom)
		}
	}

	return b.String(), nil
}

// truncateHead keeps the start of s up to maxChars.
func truncateHead(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars]
}

// truncateTail keeps the end of s up to maxChars.
func truncateTail(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	return s[len(s)-maxChars:]
}
