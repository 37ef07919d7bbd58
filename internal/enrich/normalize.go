package enrich

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// NormalizeKey derives the cache/lookup key for an item name: full-width
// characters folded to their half-width forms, lowercased, punctuation
// stripped, whitespace collapsed to single spaces.
func NormalizeKey(name string) string {
	folded := width.Fold.String(name)
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsSpace(r):
			space = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
