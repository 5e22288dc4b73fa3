// Package sandbox owns the one directory workers may write to, the
// draft/submission artifacts inside it, and the gate that decides
// whether a draft is applied to the real tree.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Extensions permitted inside the sandbox. Everything else is refused
// at write time.
const (
	DraftExt      = ".draft"
	SubmissionExt = ".submission.json"
)

// PathError reports a refused sandbox path with the rule it broke.
type PathError struct {
	Path string
	Rule string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("refused path %q: %s", e.Path, e.Rule)
}

// ErrOutsideSandbox marks containment failures. Wrapped by PathError
// checks via errors.Is on the Rule text; kept as a sentinel for the
// common case callers branch on.
var ErrOutsideSandbox = errors.New("path escapes the sandbox")

// sensitiveNames are substrings that mark a file as undraftable. A
// worker has no business writing credentials through the gate.
var sensitiveNames = []string{
	".env", "credentials", "secret", ".key", ".pem", "password",
}

// validateName applies the lexical rules every sandbox path must
// satisfy, before any filesystem resolution.
func validateName(path string) error {
	if path == "" {
		return &PathError{Path: path, Rule: "path is required"}
	}
	if strings.ContainsRune(path, 0) {
		return &PathError{Path: path, Rule: "null byte in path"}
	}
	if strings.Contains(path, "..") {
		return &PathError{Path: path, Rule: "path traversal not allowed"}
	}
	// Double-URL-encoded traversal arrives as %2e / %252e sequences;
	// any percent-encoding in a filesystem path is refused outright.
	lower := strings.ToLower(path)
	if strings.Contains(lower, "%2e") || strings.Contains(lower, "%2f") ||
		strings.Contains(lower, "%5c") || strings.Contains(lower, "%25") {
		return &PathError{Path: path, Rule: "percent-encoded path not allowed"}
	}

	base := strings.ToLower(filepath.Base(path))
	for _, s := range sensitiveNames {
		if strings.Contains(base, s) {
			return &PathError{Path: path, Rule: fmt.Sprintf("sensitive file name (%s)", s)}
		}
	}

	if !strings.HasSuffix(base, DraftExt) && !strings.HasSuffix(base, SubmissionExt) {
		return &PathError{Path: path, Rule: "extension must be .draft or .submission.json"}
	}
	return nil
}

// contained reports whether abs is root or beneath it.
func contained(root, abs string) bool {
	if abs == root {
		return true
	}
	return strings.HasPrefix(abs, root+string(filepath.Separator))
}
