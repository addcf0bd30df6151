package browser

import "strings"

// challengeMarkers are fragments that only appear on anti-bot interstitials
// for the sites we crawl, never in real article or search markup.
var challengeMarkers = []string{
	"验证码",
	"访问验证",
	"captcha",
	"just a moment",
	"403 forbidden",
}

// LooksChallenged reports whether the rendered page is an anti-bot
// challenge rather than real content.
func LooksChallenged(title, html string) bool {
	t := strings.ToLower(title)
	h := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(t, marker) || strings.Contains(h, marker) {
			return true
		}
	}
	return false
}
