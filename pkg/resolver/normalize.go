package resolver

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/orsinium-labs/stopwords"
)

var english = stopwords.MustGet("en")

// Normalize lowercases s, drops punctuation and collapses whitespace so
// "  Craig   LEWIS. " and "craig lewis" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' || r == '’':
			// O'Brien and OBrien are the same name
		default:
			space = true
		}
	}
	return b.String()
}

// Words splits a normalized string into its words.
func Words(norm string) []string {
	return strings.Fields(norm)
}

// Similarity is 1 - editDistance/maxLen over normalized strings, in [0,1].
func Similarity(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 0
	}
	if a == b {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(maxLen)
}

// WordOverlap returns shared words divided by the word count of the longer
// side, so a partial name ("craig" vs "craig lewis") yields 0.5.
func WordOverlap(a, b string) float64 {
	wa, wb := Words(a), Words(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(wb))
	for _, w := range wb {
		set[w] = true
	}
	shared := 0
	for _, w := range wa {
		if set[w] {
			shared++
			delete(set, w)
		}
	}
	return float64(shared) / float64(max(len(wa), len(wb)))
}

// contextOverlaps reports whether two free-text contexts share a
// significant word.
func contextOverlaps(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	set := map[string]bool{}
	for _, w := range Words(Normalize(b)) {
		if len(w) > 2 && !english.Contains(w) {
			set[w] = true
		}
	}
	for _, w := range Words(Normalize(a)) {
		if set[w] {
			return true
		}
	}
	return false
}
