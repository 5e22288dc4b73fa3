// Package machine is the task state machine: a closed transition
// table over the contract statuses, a file-backed mutation lease, and
// the engine that applies events with history, cost accounting,
// breaker evaluation, and git checkpoints.
package machine

import (
	"fmt"

	"github.com/c360studio/semfloor/contract"
)

// Event drives a state transition. The set is closed; illegal
// (status, event) pairs fail loudly and mutate nothing.
type Event string

const (
	// EventImplStarted marks an implementer picking up the task.
	EventImplStarted Event = "impl_started"
	// EventDraftAccepted marks the gate applying an accepted draft.
	EventDraftAccepted Event = "draft_accepted"
	// EventLocalPass marks the local reviewer passing the change.
	EventLocalPass Event = "local_pass"
	// EventLocalFail sends the change back to the implementer.
	EventLocalFail Event = "local_fail"
	// EventReviewStarted marks the judge picking up the review.
	EventReviewStarted Event = "review_started"
	// EventVerdictPass marks a merge-permitting verdict.
	EventVerdictPass Event = "verdict_pass"
	// EventFailWithCyclesLeft marks a FAIL verdict while rebuttal
	// budget remains. Without budget the breaker trips instead.
	EventFailWithCyclesLeft Event = "fail_with_cycles_left"
	// EventRebuttalResolved returns a rebutted task to the implementer.
	EventRebuttalResolved Event = "rebuttal_resolved"
	// EventMergeOK marks a successful merge to the base branch.
	EventMergeOK Event = "merge_ok"
	// EventImplementerTimeout marks the implementer's first stall.
	EventImplementerTimeout Event = "implementer_timeout"
	// EventJudgeTimeout marks the judge's first stall.
	EventJudgeTimeout Event = "judge_timeout"
	// EventRetryImplementer re-invokes a timed-out implementer once.
	EventRetryImplementer Event = "retry_implementer"
	// EventRetryJudge re-invokes a timed-out judge once.
	EventRetryJudge Event = "retry_judge"
	// EventSecondStrike escalates a repeat stall to consultation.
	EventSecondStrike Event = "second_strike"
	// EventBreakerTripped jumps any live status to consultation.
	EventBreakerTripped Event = "breaker_tripped"
	// EventOperatorResumed puts a reset task back on the line.
	EventOperatorResumed Event = "operator_resumed"
)

// edge is one row of the transition table.
type edge struct {
	to     contract.Status
	reason string
}

// transitions is the closed table. EventBreakerTripped is handled
// separately: it is legal from every non-terminal status.
var transitions = map[contract.Status]map[Event]edge{
	contract.StatusPendingImplementer: {
		EventImplStarted:        {contract.StatusImplementationInProgress, "implementer started work"},
		EventImplementerTimeout: {contract.StatusTimeoutImplementer, "implementer never started"},
	},
	contract.StatusImplementationInProgress: {
		EventDraftAccepted:      {contract.StatusPendingLocalReview, "draft accepted by the gate"},
		EventImplementerTimeout: {contract.StatusTimeoutImplementer, "implementer heartbeat went silent"},
	},
	contract.StatusPendingLocalReview: {
		EventLocalPass: {contract.StatusPendingJudgeReview, "local review passed"},
		EventLocalFail: {contract.StatusPendingImplementer, "local review failed, back to implementer"},
	},
	contract.StatusPendingJudgeReview: {
		EventReviewStarted:      {contract.StatusJudgeReviewInProgress, "judge started review"},
		EventFailWithCyclesLeft: {contract.StatusPendingRebuttal, "judge failed the change, rebuttal budget remains"},
		EventJudgeTimeout:       {contract.StatusTimeoutJudge, "judge never started"},
	},
	contract.StatusJudgeReviewInProgress: {
		EventVerdictPass:        {contract.StatusReviewComplete, "judge verdict permits merge"},
		EventFailWithCyclesLeft: {contract.StatusPendingRebuttal, "judge failed the change, rebuttal budget remains"},
		EventJudgeTimeout:       {contract.StatusTimeoutJudge, "judge heartbeat went silent"},
	},
	contract.StatusReviewComplete: {
		EventMergeOK: {contract.StatusMerged, "task branch merged to base"},
	},
	contract.StatusPendingRebuttal: {
		EventRebuttalResolved: {contract.StatusPendingImplementer, "rebuttal resolved, back to implementer"},
	},
	contract.StatusTimeoutImplementer: {
		EventRetryImplementer: {contract.StatusPendingImplementer, "re-invoking implementer after first stall"},
		EventSecondStrike:     {contract.StatusErikConsultation, "implementer stalled twice"},
	},
	contract.StatusTimeoutJudge: {
		EventRetryJudge:   {contract.StatusPendingJudgeReview, "re-invoking judge after first stall"},
		EventSecondStrike: {contract.StatusErikConsultation, "judge stalled twice"},
	},
	contract.StatusErikConsultation: {
		EventOperatorResumed: {contract.StatusPendingImplementer, "operator resumed the task"},
	},
}

// IllegalTransitionError reports a (status, event) pair outside the
// table.
type IllegalTransitionError struct {
	From  contract.Status
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: no edge for event %q from status %q", e.Event, e.From)
}

// Transition resolves the table: given the current status and an
// event it returns the new status and a default reason. It is pure;
// applying the transition is the engine's job.
func Transition(from contract.Status, event Event) (contract.Status, string, error) {
	if !from.IsValid() {
		return "", "", fmt.Errorf("unknown status %q", from)
	}
	if event == EventBreakerTripped {
		if from.IsTerminal() {
			return "", "", &IllegalTransitionError{From: from, Event: event}
		}
		return contract.StatusErikConsultation, "circuit breaker tripped", nil
	}
	if e, ok := transitions[from][event]; ok {
		return e.to, e.reason, nil
	}
	return "", "", &IllegalTransitionError{From: from, Event: event}
}

// Events returns the closed event set, for validation and docs.
func Events() []Event {
	return []Event{
		EventImplStarted, EventDraftAccepted, EventLocalPass, EventLocalFail,
		EventReviewStarted, EventVerdictPass, EventFailWithCyclesLeft,
		EventRebuttalResolved, EventMergeOK, EventImplementerTimeout,
		EventJudgeTimeout, EventRetryImplementer, EventRetryJudge,
		EventSecondStrike, EventBreakerTripped, EventOperatorResumed,
	}
}
