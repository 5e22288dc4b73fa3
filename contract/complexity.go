package contract

// Complexity classifies the expected size of a task and derives its
// default safety limits.
type Complexity string

const (
	// ComplexityTrivial is a one-line or near-one-line change.
	ComplexityTrivial Complexity = "trivial"
	// ComplexityMinor is a small contained change.
	ComplexityMinor Complexity = "minor"
	// ComplexityMajor is a multi-file feature or refactor.
	ComplexityMajor Complexity = "major"
	// ComplexityCritical is a change to load-bearing code.
	ComplexityCritical Complexity = "critical"
)

// String returns the string representation of the complexity.
func (c Complexity) String() string {
	return string(c)
}

// IsValid returns true if the complexity is a member of the closed set.
func (c Complexity) IsValid() bool {
	switch c {
	case ComplexityTrivial, ComplexityMinor, ComplexityMajor, ComplexityCritical:
		return true
	default:
		return false
	}
}

// Default rebuttal and review-cycle caps, used when the configuration
// provides none.
const (
	DefaultMaxRebuttals    = 2
	DefaultMaxReviewCycles = 3
)

// complexityLimits maps complexity to its cost ceiling and global
// timeout.
var complexityLimits = map[Complexity]Limits{
	ComplexityTrivial:  {CostCeilingUSD: 0.25, GlobalTimeoutHours: 2},
	ComplexityMinor:    {CostCeilingUSD: 0.50, GlobalTimeoutHours: 3},
	ComplexityMajor:    {CostCeilingUSD: 2.00, GlobalTimeoutHours: 4},
	ComplexityCritical: {CostCeilingUSD: 5.00, GlobalTimeoutHours: 6},
}

// LimitDefaults supplies operator-configured fallbacks applied to
// every new contract. Zero values defer to the built-in defaults.
type LimitDefaults struct {
	MaxRebuttals       int
	MaxReviewCycles    int
	CostCeilingUSD     float64
	GlobalTimeoutHours float64
}

// DefaultLimits returns the limits for a complexity, merged with the
// operator defaults: rebuttal and cycle caps come from defaults,
// ceiling and timeout come from the complexity table unless the
// operator overrides them.
func DefaultLimits(c Complexity, d LimitDefaults) Limits {
	limits, ok := complexityLimits[c]
	if !ok {
		limits = complexityLimits[ComplexityMinor]
	}
	limits.MaxRebuttals = DefaultMaxRebuttals
	limits.MaxReviewCycles = DefaultMaxReviewCycles
	if d.MaxRebuttals > 0 {
		limits.MaxRebuttals = d.MaxRebuttals
	}
	if d.MaxReviewCycles > 0 {
		limits.MaxReviewCycles = d.MaxReviewCycles
	}
	if d.CostCeilingUSD > 0 {
		limits.CostCeilingUSD = d.CostCeilingUSD
	}
	if d.GlobalTimeoutHours > 0 {
		limits.GlobalTimeoutHours = d.GlobalTimeoutHours
	}
	return limits
}
