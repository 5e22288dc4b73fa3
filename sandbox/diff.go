package sandbox

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DiffStats summarizes a draft against its original.
type DiffStats struct {
	// Added and Removed count changed lines.
	Added   int
	Removed int

	// AddedLines holds the inserted text, fed to the safety scan.
	AddedLines []string

	// DeletionRatio is Removed over the original's line count, the
	// destructive-diff measure.
	DeletionRatio float64

	// Unified is the rendered unified diff, recorded with gate
	// decisions for the human reviewing an escalation.
	Unified string
}

// Changed returns total changed lines.
func (d *DiffStats) Changed() int {
	return d.Added + d.Removed
}

// Diff compares original and draft content line-wise.
func Diff(original, draft []byte, originalName, draftName string) (*DiffStats, error) {
	a := difflib.SplitLines(string(original))
	b := difflib.SplitLines(string(draft))

	stats := &DiffStats{}
	matcher := difflib.NewMatcher(a, b)
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'd':
			stats.Removed += op.I2 - op.I1
		case 'i':
			stats.Added += op.J2 - op.J1
			stats.AddedLines = appendLines(stats.AddedLines, b[op.J1:op.J2])
		case 'r':
			stats.Removed += op.I2 - op.I1
			stats.Added += op.J2 - op.J1
			stats.AddedLines = appendLines(stats.AddedLines, b[op.J1:op.J2])
		}
	}

	origLines := CountLines(original)
	if origLines > 0 {
		stats.DeletionRatio = float64(stats.Removed) / float64(origLines)
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        a,
		B:        b,
		FromFile: originalName,
		ToFile:   draftName,
		Context:  3,
	})
	if err != nil {
		return nil, fmt.Errorf("render unified diff: %w", err)
	}
	stats.Unified = unified
	return stats, nil
}

func appendLines(dst, src []string) []string {
	for _, l := range src {
		dst = append(dst, strings.TrimSuffix(l, "\n"))
	}
	return dst
}
