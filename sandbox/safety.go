package sandbox

import (
	"fmt"
	"regexp"
)

// Secret-shaped patterns. Conservative on purpose: a false REJECT
// costs one re-submission, a false ACCEPT ships a credential.
var secretPatterns = []*regexp.Regexp{
	// Assignments of key-like names to quoted values of credential length.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret|token|passwd|password|auth)\s*[:=]\s*["'][^"']{8,}["']`),
	// Vendor key shapes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{20,}`),
	// Private key blocks.
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Hardcoded user home paths, all three platforms.
var homePathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/Users/[A-Za-z0-9._-]+/`),
	regexp.MustCompile(`/home/[A-Za-z0-9._-]+/`),
	regexp.MustCompile(`(?i)C:\\Users\\[A-Za-z0-9._-]+\\`),
}

// Violation is one safety finding in a draft's added lines.
type Violation struct {
	// Kind is "secret" or "home_path".
	Kind string

	// Line is the offending added line, truncated for logs.
	Line string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s in added line: %s", v.Kind, v.Line)
}

// ScanAddedLines runs the safety analysis over a diff's inserted
// text. Any finding is an immediate REJECT at the gate.
func ScanAddedLines(lines []string) []Violation {
	var out []Violation
	for _, line := range lines {
		if matchAny(secretPatterns, line) {
			out = append(out, Violation{Kind: "secret", Line: truncate(line, 120)})
			continue
		}
		if matchAny(homePathPatterns, line) {
			out = append(out, Violation{Kind: "home_path", Line: truncate(line, 120)})
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
