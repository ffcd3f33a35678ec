package search

import (
	"strings"
	"unicode"
)

// SanitizeQuery turns free user text into a single FTS5 phrase literal.
// Control characters (NUL ends an FTS5 string early) become spaces, and
// embedded double quotes are doubled, so AND, OR, NOT, NEAR, '*', ':' and
// parentheses are all matched as plain text.
func SanitizeQuery(text string) string {
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}
