// Package similarity holds the string similarity used to recognize known devices.
package similarity

import "github.com/agnivade/levenshtein"

// Ratio is 1 - levenshtein(a,b)/max(len(a),len(b)) over runes; two empty strings are identical.
func Ratio(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// Matcher decides whether an observed string matches a known one.
type Matcher interface {
	Match(known, observed string) bool
}

// RatioMatcher matches when Ratio is at least Threshold.
type RatioMatcher struct {
	Threshold float64
}

// Match implements Matcher.
func (m RatioMatcher) Match(known, observed string) bool {
	return Ratio(known, observed) >= m.Threshold
}

// MatchesAny reports whether observed matches any of known.
func MatchesAny(m Matcher, known []string, observed string) bool {
	for _, k := range known {
		if m.Match(k, observed) {
			return true
		}
	}
	return false
}
