// Package contract defines the task contract: the single JSON document
// that is the source of truth for one in-flight code-change task, plus
// its validation rules and on-disk store.
package contract

// Status represents the current state of a task on the floor.
type Status string

const (
	// StatusPendingImplementer indicates the task awaits an implementer.
	StatusPendingImplementer Status = "pending_implementer"
	// StatusImplementationInProgress indicates an implementer is working.
	StatusImplementationInProgress Status = "implementation_in_progress"
	// StatusPendingLocalReview indicates an accepted draft awaits local review.
	StatusPendingLocalReview Status = "pending_local_review"
	// StatusPendingJudgeReview indicates local review passed and the judge is queued.
	StatusPendingJudgeReview Status = "pending_judge_review"
	// StatusJudgeReviewInProgress indicates the judge is reviewing.
	StatusJudgeReviewInProgress Status = "judge_review_in_progress"
	// StatusReviewComplete indicates a merge-permitting verdict is in hand.
	StatusReviewComplete Status = "review_complete"
	// StatusPendingRebuttal indicates a failed verdict awaits the implementer's rebuttal.
	StatusPendingRebuttal Status = "pending_rebuttal"
	// StatusMerged indicates the task branch was merged. Terminal.
	StatusMerged Status = "merged"
	// StatusTimeoutImplementer indicates the implementer stalled once.
	StatusTimeoutImplementer Status = "timeout_implementer"
	// StatusTimeoutJudge indicates the judge stalled once.
	StatusTimeoutJudge Status = "timeout_judge"
	// StatusErikConsultation indicates automation halted for a human.
	StatusErikConsultation Status = "erik_consultation"
)

// ValidStatuses is the closed set of task statuses.
var ValidStatuses = []Status{
	StatusPendingImplementer,
	StatusImplementationInProgress,
	StatusPendingLocalReview,
	StatusPendingJudgeReview,
	StatusJudgeReviewInProgress,
	StatusReviewComplete,
	StatusPendingRebuttal,
	StatusMerged,
	StatusTimeoutImplementer,
	StatusTimeoutJudge,
	StatusErikConsultation,
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a member of the closed set.
func (s Status) IsValid() bool {
	switch s {
	case StatusPendingImplementer, StatusImplementationInProgress,
		StatusPendingLocalReview, StatusPendingJudgeReview,
		StatusJudgeReviewInProgress, StatusReviewComplete,
		StatusPendingRebuttal, StatusMerged,
		StatusTimeoutImplementer, StatusTimeoutJudge,
		StatusErikConsultation:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that permit no further
// automated mutation. erik_consultation is not terminal: an operator
// reset can put the task back on the line.
func (s Status) IsTerminal() bool {
	return s == StatusMerged
}

// Verdict is a judge's ruling on a task.
type Verdict string

const (
	// VerdictPass permits the merge.
	VerdictPass Verdict = "PASS"
	// VerdictConditional permits the merge with recorded suggestions.
	VerdictConditional Verdict = "CONDITIONAL"
	// VerdictFail sends the task back for rebuttal or rework.
	VerdictFail Verdict = "FAIL"
	// VerdictCriticalHalt stops the line for a human.
	VerdictCriticalHalt Verdict = "CRITICAL_HALT"
)

// IsValid returns true if the verdict is a member of the closed set.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictPass, VerdictConditional, VerdictFail, VerdictCriticalHalt:
		return true
	default:
		return false
	}
}

// PermitsMerge returns true when the verdict allows the task to
// advance toward merge.
func (v Verdict) PermitsMerge() bool {
	return v == VerdictPass || v == VerdictConditional
}
