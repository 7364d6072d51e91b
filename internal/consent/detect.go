package consent

import (
	"net/url"
	"regexp"
	"strings"
)

// Platform is the detected site platform, used to pick selector tables.
type Platform string

const (
	PlatformWordPress Platform = "wordpress"
	PlatformShopify   Platform = "shopify"
	PlatformWebflow   Platform = "webflow"
	PlatformCustom    Platform = "custom"
)

// Region is the coarse regulatory region of the site.
type Region string

const (
	RegionEU    Region = "EU"
	RegionUK    Region = "UK"
	RegionUS    Region = "US"
	RegionOther Region = "other"
)

var metaGeneratorRe = regexp.MustCompile(`(?i)<meta[^>]+name=["']generator["'][^>]+content=["']([^"']+)`)

// DetectPlatform scans HTML markers and the meta generator tag.
func DetectPlatform(dom string) Platform {
	lower := strings.ToLower(dom)
	generator := ""
	if m := metaGeneratorRe.FindStringSubmatch(dom); m != nil {
		generator = strings.ToLower(m[1])
	}
	switch {
	case strings.Contains(lower, "wp-content") || strings.Contains(generator, "wordpress"):
		return PlatformWordPress
	case strings.Contains(lower, "cdn.shopify.com") || strings.Contains(lower, "shopify.theme"):
		return PlatformShopify
	case strings.Contains(lower, "data-wf-page") || strings.Contains(generator, "webflow"):
		return PlatformWebflow
	default:
		return PlatformCustom
	}
}

var euTLDs = map[string]bool{
	"de": true, "fr": true, "it": true, "es": true, "nl": true, "be": true,
	"at": true, "pl": true, "pt": true, "ie": true, "fi": true, "se": true,
	"dk": true, "gr": true, "cz": true, "ro": true, "hu": true, "eu": true,
}

var euLangs = map[string]bool{
	"de": true, "fr": true, "it": true, "es": true, "nl": true, "pl": true,
	"pt": true, "fi": true, "sv": true, "da": true, "el": true, "cs": true,
	"ro": true, "hu": true,
}

var htmlLangRe = regexp.MustCompile(`(?i)<html[^>]+lang=["']([a-zA-Z-]+)`)
var ogLocaleRe = regexp.MustCompile(`(?i)property=["']og:locale["'][^>]+content=["']([a-zA-Z_-]+)`)

// DetectRegion combines the TLD with <html lang> and og:locale.
func DetectRegion(rawURL, dom string) Region {
	if u, err := url.Parse(rawURL); err == nil {
		host := strings.ToLower(u.Hostname())
		switch {
		case strings.HasSuffix(host, ".uk"):
			return RegionUK
		case strings.HasSuffix(host, ".us"):
			return RegionUS
		default:
			if idx := strings.LastIndex(host, "."); idx >= 0 && euTLDs[host[idx+1:]] {
				return RegionEU
			}
		}
	}

	lang := ""
	if m := htmlLangRe.FindStringSubmatch(dom); m != nil {
		lang = strings.ToLower(m[1])
	} else if m := ogLocaleRe.FindStringSubmatch(dom); m != nil {
		lang = strings.ToLower(strings.ReplaceAll(m[1], "_", "-"))
	}
	switch {
	case lang == "":
		return RegionOther
	case strings.HasPrefix(lang, "en-gb"):
		return RegionUK
	case strings.HasPrefix(lang, "en-us"):
		return RegionUS
	default:
		if base, _, _ := strings.Cut(lang, "-"); euLangs[base] {
			return RegionEU
		}
	}
	return RegionOther
}

// Selector tables, platform-specific first, then regional, then universal.
// Order within each table is priority order.

var platformSelectors = map[Platform][]string{
	PlatformWordPress: {
		".cmplz-accept",
		"#cookie_action_close_header",
		".cky-btn-accept",
		"#cn-accept-cookie",
	},
	PlatformShopify: {
		"#shopify-pc__banner__btn-accept",
		".cc-btn-accept-all",
	},
	PlatformWebflow: {
		".fs-cc-allow",
		"#cookie-accept",
	},
}

// euSelectors covers the common TCF v2.0 CMPs.
var euSelectors = []string{
	"#onetrust-accept-btn-handler",
	"#didomi-notice-agree-button",
	".qc-cmp2-summary-buttons button[mode=\"primary\"]",
	"#CybotCookiebotDialogBodyLevelButtonLevelOptinAllowAll",
	".osano-cm-accept-all",
	"#truste-consent-button",
	".sp_choice_type_11",
}

var ukSelectors = []string{
	"#ccc-notify-accept",
	".cookie-control-accept",
	"#onetrust-accept-btn-handler",
	"#didomi-notice-agree-button",
}

var universalSelectors = []string{
	"#onetrust-accept-btn-handler",
	".cc-accept",
	".cc-allow",
	"#accept-cookies",
	".cookie-accept",
	"#cookie-consent-accept",
	"button[aria-label=\"Accept cookies\"]",
	"[id*=\"accept\"][id*=\"cookie\"]",
}

// SelectorPlan returns the prioritized, deduplicated candidate list for a
// platform/region pair.
func SelectorPlan(platform Platform, region Region) []string {
	var plan []string
	plan = append(plan, platformSelectors[platform]...)
	switch region {
	case RegionEU:
		plan = append(plan, euSelectors...)
	case RegionUK:
		plan = append(plan, ukSelectors...)
	}
	plan = append(plan, universalSelectors...)

	seen := make(map[string]bool, len(plan))
	out := plan[:0]
	for _, s := range plan {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
