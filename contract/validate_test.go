package contract

import (
	"strings"
	"testing"
	"time"
)

func validContract() *Contract {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &Contract{
		SchemaVersion: SchemaVersion,
		TaskID:        "VER-001-VERSION",
		Project:       "VER",
		Status:        StatusPendingImplementer,
		StatusReason:  "awaiting implementer",
		Complexity:    ComplexityMinor,
		Specification: Specification{
			TargetFile:   "src/watchdog.py",
			Requirements: []string{"add --version flag"},
		},
		Constraints: Constraints{
			AllowedPaths:   []string{"src/**"},
			ForbiddenPaths: []string{"secrets/**"},
		},
		Limits: Limits{
			MaxRebuttals:       2,
			MaxReviewCycles:    3,
			CostCeilingUSD:     0.50,
			GlobalTimeoutHours: 3,
		},
		Breaker:    BreakerState{Status: BreakerArmed},
		Timestamps: Timestamps{CreatedAt: now, UpdatedAt: now},
	}
}

func hasFieldError(errs []error, field string) bool {
	for _, err := range errs {
		ve, ok := err.(*ValidationError)
		if ok && ve.Field == field {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	t.Run("valid contract has no errors", func(t *testing.T) {
		errs := Validate(validContract())
		if len(errs) != 0 {
			t.Fatalf("expected no errors, got %v", errs)
		}
	})

	t.Run("wrong schema version", func(t *testing.T) {
		c := validContract()
		c.SchemaVersion = "1.0"
		if !hasFieldError(Validate(c), "schema_version") {
			t.Error("expected schema_version error")
		}
	})

	t.Run("malformed task id", func(t *testing.T) {
		for _, id := range []string{"", "ver-001-x", "VER-1-X", "VER001X"} {
			c := validContract()
			c.TaskID = id
			if !hasFieldError(Validate(c), "task_id") {
				t.Errorf("expected task_id error for %q", id)
			}
		}
	})

	t.Run("unknown status", func(t *testing.T) {
		c := validContract()
		c.Status = "done"
		if !hasFieldError(Validate(c), "status") {
			t.Error("expected status error")
		}
	})

	t.Run("missing requirements", func(t *testing.T) {
		c := validContract()
		c.Specification.Requirements = nil
		if !hasFieldError(Validate(c), "specification.requirements") {
			t.Error("expected requirements error")
		}
	})

	t.Run("reports every offending field at once", func(t *testing.T) {
		c := validContract()
		c.Project = ""
		c.Specification.TargetFile = ""
		c.Complexity = "huge"
		errs := Validate(c)
		if len(errs) < 3 {
			t.Fatalf("expected at least 3 errors, got %d: %v", len(errs), errs)
		}
	})
}

func TestValidateConstraints(t *testing.T) {
	t.Run("identical pattern on both sides", func(t *testing.T) {
		c := validContract()
		c.Constraints.AllowedPaths = []string{"src/**"}
		c.Constraints.ForbiddenPaths = []string{"src/**"}
		errs := Validate(c)
		if !hasFieldError(errs, "constraints") {
			t.Fatalf("expected constraints error, got %v", errs)
		}
	})

	t.Run("literal allowed path inside forbidden glob", func(t *testing.T) {
		c := validContract()
		c.Constraints.AllowedPaths = []string{"secrets/prod.yaml"}
		c.Constraints.ForbiddenPaths = []string{"secrets/**"}
		if !hasFieldError(Validate(c), "constraints") {
			t.Error("expected constraints error")
		}
	})

	t.Run("literal forbidden path inside allowed glob", func(t *testing.T) {
		c := validContract()
		c.Constraints.AllowedPaths = []string{"src/**"}
		c.Constraints.ForbiddenPaths = []string{"src/generated.go"}
		if !hasFieldError(Validate(c), "constraints") {
			t.Error("expected constraints error")
		}
	})

	t.Run("disjoint globs pass", func(t *testing.T) {
		c := validContract()
		c.Constraints.AllowedPaths = []string{"src/**", "docs/**"}
		c.Constraints.ForbiddenPaths = []string{"vendor/**"}
		if errs := Validate(c); len(errs) != 0 {
			t.Fatalf("expected no errors, got %v", errs)
		}
	})
}

func TestValidateBreakerInvariants(t *testing.T) {
	t.Run("cost above ceiling needs a halt", func(t *testing.T) {
		c := validContract()
		c.Breaker.CostUSD = 1.00
		if !hasFieldError(Validate(c), "breaker.cost_usd") {
			t.Error("expected cost error without a halt")
		}

		c.Status = StatusErikConsultation
		if hasFieldError(Validate(c), "breaker.cost_usd") {
			t.Error("cost above ceiling is legal once halted")
		}
	})

	t.Run("rebuttals above cap need a halt", func(t *testing.T) {
		c := validContract()
		c.Breaker.RebuttalCount = 3
		if !hasFieldError(Validate(c), "breaker.rebuttal_count") {
			t.Error("expected rebuttal error without a halt")
		}

		c.Breaker.Status = BreakerTripped
		c.Breaker.TriggeredBy = "Trigger 1: Rebuttal Limit"
		if hasFieldError(Validate(c), "breaker.rebuttal_count") {
			t.Error("rebuttals above cap are legal once tripped")
		}
	})
}

func TestConstraintsInScope(t *testing.T) {
	cs := Constraints{
		AllowedPaths:   []string{"src/**", "README.md"},
		ForbiddenPaths: []string{"src/vendor/**"},
	}

	tests := []struct {
		path string
		want bool
	}{
		{"src/watchdog.py", true},
		{"src/deep/nested/file.go", true},
		{"README.md", true},
		{"src/vendor/lib.go", false},
		{"secrets/prod.yaml", false},
		{"Makefile", false},
	}

	for _, tc := range tests {
		if got := cs.InScope(tc.path); got != tc.want {
			t.Errorf("InScope(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}

	t.Run("no allowed patterns means everything not forbidden", func(t *testing.T) {
		open := Constraints{ForbiddenPaths: []string{"secrets/**"}}
		if !open.InScope("anything/else.go") {
			t.Error("expected open scope to admit the path")
		}
		if open.InScope("secrets/key.pem") {
			t.Error("forbidden pattern must still exclude")
		}
	})

	t.Run("literal allowed directory admits children", func(t *testing.T) {
		dir := Constraints{AllowedPaths: []string{"src"}}
		if !dir.InScope("src/main.go") {
			t.Error("expected literal directory to admit children")
		}
	})
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "project", Message: "project is required"}
	if !strings.Contains(err.Error(), "project is required") {
		t.Errorf("unexpected message: %s", err.Error())
	}
}
