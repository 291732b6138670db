package sources

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func strict() *bluemonday.Policy {
	strictOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText strips every HTML element from worker supplied text, undoes the
// entity escaping the policy applies and collapses whitespace.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	clean := html.UnescapeString(strict().Sanitize(s))
	return strings.Join(strings.Fields(clean), " ")
}
