package broker

import "regexp"

// stylisticPatterns match review findings that do not block a merge.
// The classification feeds the nitpicking detector: cycles that raise
// only these count toward the reviewer-loop trip.
var stylisticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bstyle\b`),
	regexp.MustCompile(`(?i)\bformat(ting)?\b`),
	regexp.MustCompile(`(?i)\bwhitespace\b`),
	regexp.MustCompile(`(?i)\bindent(ation)?\b`),
	regexp.MustCompile(`(?i)\bnaming convention\b`),
	regexp.MustCompile(`(?i)\btypo\b`),
	regexp.MustCompile(`(?i)\btrailing (space|newline)\b`),
	regexp.MustCompile(`(?i)\bcomment (style|wording)\b`),
}

// IsStylistic classifies one review finding.
func IsStylistic(issue string) bool {
	for _, p := range stylisticPatterns {
		if p.MatchString(issue) {
			return true
		}
	}
	return false
}

// StyleOnly reports whether a non-empty finding list is purely
// stylistic. An empty list is not style-only; empty cycles are
// counted separately.
func StyleOnly(issues []string) bool {
	if len(issues) == 0 {
		return false
	}
	for _, issue := range issues {
		if !IsStylistic(issue) {
			return false
		}
	}
	return true
}
