package contract

import (
	"fmt"
	"regexp"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

var taskIDPattern = regexp.MustCompile(`^[A-Z0-9]+-\d{3,}-[A-Z0-9-]+$`)

// Validate checks every contract invariant and returns one error per
// offending field. An empty slice means the contract is well-formed.
func Validate(c *Contract) []error {
	var errs []error

	if c.SchemaVersion != SchemaVersion {
		errs = append(errs, &ValidationError{
			Field:   "schema_version",
			Message: fmt.Sprintf("must be %q, got %q", SchemaVersion, c.SchemaVersion),
		})
	}
	if c.TaskID == "" {
		errs = append(errs, &ValidationError{Field: "task_id", Message: "task_id is required"})
	} else if !taskIDPattern.MatchString(c.TaskID) {
		errs = append(errs, &ValidationError{
			Field:   "task_id",
			Message: fmt.Sprintf("%q does not match {PROJECT}-{SEQ}-{SLUG}", c.TaskID),
		})
	}
	if c.Project == "" {
		errs = append(errs, &ValidationError{Field: "project", Message: "project is required"})
	}
	if !c.Status.IsValid() {
		errs = append(errs, &ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("unknown status %q", c.Status),
		})
	}
	if !c.Complexity.IsValid() {
		errs = append(errs, &ValidationError{
			Field:   "complexity",
			Message: fmt.Sprintf("unknown complexity %q", c.Complexity),
		})
	}
	if c.Specification.TargetFile == "" {
		errs = append(errs, &ValidationError{Field: "specification.target_file", Message: "target_file is required"})
	}
	if len(c.Specification.Requirements) == 0 {
		errs = append(errs, &ValidationError{Field: "specification.requirements", Message: "at least one requirement is required"})
	}

	errs = append(errs, validateConstraints(c.Constraints)...)
	errs = append(errs, validateLimits(c.Limits)...)

	switch c.Breaker.Status {
	case BreakerArmed, BreakerTripped:
	default:
		errs = append(errs, &ValidationError{
			Field:   "breaker.status",
			Message: fmt.Sprintf("must be armed or tripped, got %q", c.Breaker.Status),
		})
	}

	halted := c.Status == StatusErikConsultation || c.Breaker.Status == BreakerTripped
	if c.Breaker.CostUSD > c.Limits.CostCeilingUSD && !halted {
		errs = append(errs, &ValidationError{
			Field:   "breaker.cost_usd",
			Message: fmt.Sprintf("%.4f exceeds ceiling %.4f without a halt", c.Breaker.CostUSD, c.Limits.CostCeilingUSD),
		})
	}
	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals && !halted {
		errs = append(errs, &ValidationError{
			Field:   "breaker.rebuttal_count",
			Message: fmt.Sprintf("%d exceeds max_rebuttals %d without a halt", c.Breaker.RebuttalCount, c.Limits.MaxRebuttals),
		})
	}

	return errs
}

// validateConstraints checks allowed/forbidden disjointness. Identical
// patterns are a direct conflict; beyond that, each side's literal
// (non-glob) paths must not match the other side's patterns.
func validateConstraints(cs Constraints) []error {
	var errs []error
	forbidden := make(map[string]bool, len(cs.ForbiddenPaths))
	for _, p := range cs.ForbiddenPaths {
		forbidden[p] = true
	}
	for _, p := range cs.AllowedPaths {
		if forbidden[p] {
			errs = append(errs, &ValidationError{
				Field:   "constraints",
				Message: fmt.Sprintf("path %q is both allowed and forbidden", p),
			})
		}
	}
	for _, allowed := range cs.AllowedPaths {
		if isGlobPattern(allowed) {
			continue
		}
		for _, pattern := range cs.ForbiddenPaths {
			match, err := doublestar.Match(pattern, allowed)
			if err != nil {
				errs = append(errs, &ValidationError{
					Field:   "constraints.forbidden_paths",
					Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
				})
				continue
			}
			if match {
				errs = append(errs, &ValidationError{
					Field:   "constraints",
					Message: fmt.Sprintf("allowed path %q matches forbidden pattern %q", allowed, pattern),
				})
			}
		}
	}
	for _, forbiddenPath := range cs.ForbiddenPaths {
		if isGlobPattern(forbiddenPath) {
			continue
		}
		for _, pattern := range cs.AllowedPaths {
			if !isGlobPattern(pattern) {
				continue
			}
			match, err := doublestar.Match(pattern, forbiddenPath)
			if err != nil {
				errs = append(errs, &ValidationError{
					Field:   "constraints.allowed_paths",
					Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
				})
				continue
			}
			if match {
				errs = append(errs, &ValidationError{
					Field:   "constraints",
					Message: fmt.Sprintf("forbidden path %q matches allowed pattern %q", forbiddenPath, pattern),
				})
			}
		}
	}
	return errs
}

func validateLimits(l Limits) []error {
	var errs []error
	if l.MaxRebuttals <= 0 {
		errs = append(errs, &ValidationError{Field: "limits.max_rebuttals", Message: "must be positive"})
	}
	if l.MaxReviewCycles <= 0 {
		errs = append(errs, &ValidationError{Field: "limits.max_review_cycles", Message: "must be positive"})
	}
	if l.CostCeilingUSD <= 0 {
		errs = append(errs, &ValidationError{Field: "limits.cost_ceiling_usd", Message: "must be positive"})
	}
	if l.GlobalTimeoutHours <= 0 {
		errs = append(errs, &ValidationError{Field: "limits.global_timeout_hours", Message: "must be positive"})
	}
	return errs
}

// isGlobPattern reports whether p contains glob metacharacters.
func isGlobPattern(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// MatchesAny reports whether path matches any of the doublestar
// patterns. Invalid patterns never match.
func MatchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
		// A literal entry also covers everything beneath it.
		if !isGlobPattern(pattern) {
			if ok, err := doublestar.Match(pattern+"/**", path); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// InScope reports whether path is permitted by the constraints: it
// must match an allowed pattern (when any are declared) and must not
// match a forbidden one.
func (cs Constraints) InScope(path string) bool {
	if MatchesAny(cs.ForbiddenPaths, path) {
		return false
	}
	if len(cs.AllowedPaths) == 0 {
		return true
	}
	return MatchesAny(cs.AllowedPaths, path)
}
