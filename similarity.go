package placecache

import (
	"strings"
	"unicode/utf8"
)

const (
	// MinSimilarStoredLength is the shortest stored query that may serve a
	// similarity match.
	MinSimilarStoredLength = 3
	// MaxSimilarExtraLength is how many characters a query may extend a stored
	// query by and still reuse its results.
	MaxSimilarExtraLength = 3
)

// IsSimilar reports whether candidate is a short refinement of stored: stored
// is a case-insensitive prefix of candidate, stored has at least
// MinSimilarStoredLength characters and candidate adds at most
// MaxSimilarExtraLength more. Lengths are counted in characters, not bytes.
//
// The relation is directional: a candidate shorter than stored never matches.
func IsSimilar(candidate, stored string) bool {
	c := strings.ToLower(candidate)
	s := strings.ToLower(stored)
	if !strings.HasPrefix(c, s) {
		return false
	}
	storedLen := utf8.RuneCountInString(s)
	if storedLen < MinSimilarStoredLength {
		return false
	}
	return utf8.RuneCountInString(c)-storedLen <= MaxSimilarExtraLength
}
