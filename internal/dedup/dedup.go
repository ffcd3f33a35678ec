// Package dedup collapses near-duplicate paper titles reported by different
// sources. Titles are compared as token sets using Jaccard similarity.
package dedup

import (
	"strings"
	"unicode"
)

// DefaultThreshold is the Jaccard similarity at or above which two titles are
// considered the same paper.
const DefaultThreshold = 0.70

// NormalizeTitle lowercases title, removes punctuation and returns the set of
// whitespace-separated tokens.
func NormalizeTitle(title string) map[string]struct{} {
	return NormalizeTitleMin(title, 0)
}

// NormalizeTitleMin is NormalizeTitle dropping tokens shorter than minLen runes.
func NormalizeTitleMin(title string, minLen int) map[string]struct{} {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, title)

	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(cleaned) {
		if minLen > 0 && len([]rune(tok)) < minLen {
			continue
		}
		tokens[tok] = struct{}{}
	}
	return tokens
}

// Jaccard returns |a∩b| / |a∪b|. Two empty sets have similarity 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether a and b reach DefaultThreshold.
func Similar(a, b map[string]struct{}) bool {
	return Jaccard(a, b) >= DefaultThreshold
}

// Deduper keeps the first title of every group of similar titles.
type Deduper struct {
	threshold float64
	minLen    int
	kept      []map[string]struct{}
}

// New returns a Deduper. A threshold outside (0, 1] falls back to DefaultThreshold.
func New(threshold float64, minTokenLen int) *Deduper {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Deduper{threshold: threshold, minLen: minTokenLen}
}

// Keep reports whether title is new. A title similar to one already kept is
// rejected; otherwise it is remembered and accepted.
func (d *Deduper) Keep(title string) bool {
	tokens := NormalizeTitleMin(title, d.minLen)
	for _, prev := range d.kept {
		if Jaccard(tokens, prev) >= d.threshold {
			return false
		}
	}
	d.kept = append(d.kept, tokens)
	return true
}
