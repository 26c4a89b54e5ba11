package textutil

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases a name and removes all whitespace so that
// visible labels can be compared regardless of case and spacing.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

func EqualNames(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}

// minimum jaro-winkler similarity for a candidate to be worth suggesting
const suggestionThreshold = 0.8

// ClosestName returns the candidate most similar to `name`, or "" if none
// of them are similar enough to be a plausible typo.
func ClosestName(name string, candidates []string) string {
	normalized := NormalizeName(name)

	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		score := matchr.JaroWinkler(normalized, NormalizeName(c), false)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}
