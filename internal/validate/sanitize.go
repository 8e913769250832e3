package validate

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policyOnce   sync.Once
	textPolicy   *bluemonday.Policy
	markupPolicy *bluemonday.Policy
)

func policies() (*bluemonday.Policy, *bluemonday.Policy) {
	policyOnce.Do(func() {
		textPolicy = bluemonday.StrictPolicy()

		markup := bluemonday.UGCPolicy()
		markup.RequireNoFollowOnLinks(true)
		markup.AddTargetBlankToFullyQualifiedLinks(true)
		markupPolicy = markup
	})
	return textPolicy, markupPolicy
}

// SanitizeText removes every tag from raw.
func SanitizeText(raw string) string {
	text, _ := policies()
	return strings.TrimSpace(text.Sanitize(raw))
}

// SanitizeMarkup keeps the safe subset of user-generated markup in raw.
func SanitizeMarkup(raw string) string {
	_, markup := policies()
	return strings.TrimSpace(markup.Sanitize(raw))
}

func sanitize(mode SanitizeMode, s string) string {
	switch mode {
	case SanitizeModeText:
		return SanitizeText(s)
	case SanitizeModeMarkup:
		return SanitizeMarkup(s)
	default:
		return s
	}
}
