package search

import (
	"regexp"
	"strconv"
)

// numberQuery matches "123", "#123" and "pr|pull|issue|bug|feature [#]123".
// Anything after the number disqualifies the query.
var numberQuery = regexp.MustCompile(`(?i)^\s*(?:(?:pr|pull|issue|bug|feature)\s*#?\s*|#)?(\d+)\s*$`)

// ExtractNumber returns the issue or PR number a query refers to.
func ExtractNumber(query string) (int, bool) {
	m := numberQuery.FindStringSubmatch(query)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsPureNumberQuery reports whether query is nothing but a number reference.
func IsPureNumberQuery(query string) bool {
	_, ok := ExtractNumber(query)
	return ok
}
