// Package breaker is the circuit-breaker engine: ten halt triggers
// evaluated on every contract mutation. Tripping writes a halt
// artifact and forces the task to human consultation; re-arming is an
// explicit operator action, never a state transition.
package breaker

// Trigger identifies one of the ten halt conditions. The set is
// closed; evaluation runs in trigger order and the first match trips.
type Trigger int

const (
	// TriggerRebuttalLimit fires when rebuttals exceed the task cap.
	TriggerRebuttalLimit Trigger = iota + 1
	// TriggerDestructiveDiff fires when an accepted change deletes more
	// than half of a target file.
	TriggerDestructiveDiff
	// TriggerLogicalParadox fires when the judge contradicts the local
	// reviewer over identical content across consecutive cycles.
	TriggerLogicalParadox
	// TriggerHallucinationLoop fires when current content matches a
	// hash the judge already failed.
	TriggerHallucinationLoop
	// TriggerNitpickLoop fires after repeated review cycles that raise
	// only style findings, or none at all.
	TriggerNitpickLoop
	// TriggerInactivity fires on the second heartbeat stall from the
	// same role. The first stall is handled by the timeout states.
	TriggerInactivity
	// TriggerBudget fires when spend reaches the cost ceiling.
	TriggerBudget
	// TriggerScopeCreep fires when the change sprawls past the file
	// cap or outside the allowed paths.
	TriggerScopeCreep
	// TriggerReviewCycleLimit fires when review cycles exceed the cap.
	TriggerReviewCycleLimit
	// TriggerGlobalTimeout fires when the task outlives its wall-clock
	// budget regardless of status.
	TriggerGlobalTimeout
)

// triggerNames are the exact reason strings recorded in
// breaker.triggered_by and the halt artifact.
var triggerNames = map[Trigger]string{
	TriggerRebuttalLimit:     "Trigger 1: Rebuttal Limit",
	TriggerDestructiveDiff:   "Trigger 2: Destructive Diff",
	TriggerLogicalParadox:    "Trigger 3: Logical Paradox",
	TriggerHallucinationLoop: "Trigger 4: Hallucination Loop",
	TriggerNitpickLoop:       "Trigger 5: Nitpicking Loop",
	TriggerInactivity:        "Trigger 6: Inactivity",
	TriggerBudget:            "Trigger 7: Budget Ceiling",
	TriggerScopeCreep:        "Trigger 8: Scope Creep",
	TriggerReviewCycleLimit:  "Trigger 9: Review Cycle Limit",
	TriggerGlobalTimeout:     "Trigger 10: Global Timeout",
}

// String returns the trigger's canonical reason string.
func (t Trigger) String() string {
	if name, ok := triggerNames[t]; ok {
		return name
	}
	return "Trigger ?: Unknown"
}

// IsValid returns true if the trigger is a member of the closed set.
func (t Trigger) IsValid() bool {
	return t >= TriggerRebuttalLimit && t <= TriggerGlobalTimeout
}

// Safety thresholds shared with the draft gate.
const (
	// MaxDeletionRatio is the fraction of a file a change may delete
	// before it counts as destructive.
	MaxDeletionRatio = 0.5

	// MaxScopeFiles is how many distinct files a task may touch.
	MaxScopeFiles = 20

	// NitpickCycleThreshold is how many consecutive style-only or
	// empty review cycles count as a nitpicking loop.
	NitpickCycleThreshold = 3

	// StallStrikeLimit is how many stalls from one role force a halt.
	StallStrikeLimit = 2
)

// Trip describes a fired trigger, or a halt forced from outside the
// trigger set (a judge CRITICAL_HALT, a merge conflict, an operator
// stop).
type Trip struct {
	// Trigger is which condition fired. Zero for forced halts.
	Trigger Trigger

	// TriggeredBy labels a forced halt, e.g. "judge: CRITICAL_HALT".
	// Empty for trigger trips.
	TriggeredBy string

	// Reason is the canonical reason string plus detail.
	Reason string
}

// Label is what breaker.triggered_by and the halt artifact record.
func (t *Trip) Label() string {
	if t.TriggeredBy != "" {
		return t.TriggeredBy
	}
	return t.Trigger.String()
}

// Signals carries the per-mutation observations the contract itself
// does not hold. Callers fill only the fields the mutation produced.
type Signals struct {
	// DeletionRatio is removed/original lines of the change just
	// accepted, zero when no draft was applied.
	DeletionRatio float64

	// StalledRole names the role whose heartbeat went silent, empty
	// when none.
	StalledRole string

	// LocalParadox is true when the judge verdict contradicts the
	// local reviewer with matching file hashes across the last two
	// cycles and the conflict-resolution tool could not settle it.
	LocalParadox bool

	// CurrentHash is the content hash of the draft under review,
	// checked against previously failed hashes.
	CurrentHash string

	// ScopeViolation is true when the gate saw a file outside the
	// contract's allowed paths.
	ScopeViolation bool
}
