package contract

import "time"

// SchemaVersion is the only contract schema this build reads or
// writes. Contracts carrying any other version are rejected.
const SchemaVersion = "2.0"

// ContractFileName is the on-disk name of the contract artifact.
const ContractFileName = "TASK_CONTRACT.json"

// Contract is the task contract. One exists per in-flight task,
// persisted as TASK_CONTRACT.json, and is mutated only by the state
// machine under lock.
type Contract struct {
	// SchemaVersion is fixed at "2.0".
	SchemaVersion string `json:"schema_version"`

	// TaskID uniquely identifies the task, format {PROJECT}-{SEQ}-{SLUG}.
	TaskID string `json:"task_id"`

	// Project is the owning project code.
	Project string `json:"project"`

	// Status is the current position on the assembly line.
	Status Status `json:"status"`

	// StatusReason explains the current status in human terms.
	// Updated on every status change.
	StatusReason string `json:"status_reason"`

	// Complexity is chosen at creation and derives the default limits.
	Complexity Complexity `json:"complexity"`

	// Specification describes the work.
	Specification Specification `json:"specification"`

	// Constraints bound where the work may land.
	Constraints Constraints `json:"constraints"`

	// Limits are the safety-rail ceilings for this task.
	Limits Limits `json:"limits"`

	// Breaker holds the circuit-breaker counters and trip state.
	Breaker BreakerState `json:"breaker"`

	// Lock is the active mutation lease, absent when unheld.
	Lock *Lock `json:"lock,omitempty"`

	// Git tracks the task branch and its checkpoints.
	Git GitState `json:"git"`

	// HandoffData carries worker-produced artifact locations.
	HandoffData HandoffData `json:"handoff_data"`

	// History is the append-only transition ledger. Every state change
	// appends exactly one entry.
	History []HistoryEntry `json:"history"`

	// Timestamps records creation and last mutation.
	Timestamps Timestamps `json:"timestamps"`
}

// Specification describes what the task must accomplish.
type Specification struct {
	// SourceFiles lists files the worker should read for context.
	SourceFiles []string `json:"source_files"`

	// TargetFile is the file the change lands in. Must exist at
	// contract creation.
	TargetFile string `json:"target_file"`

	// Requirements is the non-empty list of things the change must do.
	Requirements []string `json:"requirements"`

	// AcceptanceCriteria lists conditions reviewers check.
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

// Constraints bound the files a task may touch. Allowed and forbidden
// are doublestar glob patterns and must be disjoint.
type Constraints struct {
	// AllowedPaths lists patterns the change may touch.
	AllowedPaths []string `json:"allowed_paths"`

	// ForbiddenPaths lists patterns the change must not touch.
	ForbiddenPaths []string `json:"forbidden_paths"`

	// DeleteAllowed permits file deletion within the allowed paths.
	DeleteAllowed bool `json:"delete_allowed"`
}

// Limits are the per-task safety ceilings.
type Limits struct {
	// MaxRebuttals caps implementer rebuttals of failed verdicts.
	MaxRebuttals int `json:"max_rebuttals"`

	// MaxReviewCycles caps full judge review cycles.
	MaxReviewCycles int `json:"max_review_cycles"`

	// CostCeilingUSD caps accumulated LLM spend.
	CostCeilingUSD float64 `json:"cost_ceiling_usd"`

	// GlobalTimeoutHours caps wall-clock task lifetime from creation.
	GlobalTimeoutHours float64 `json:"global_timeout_hours"`
}

// BreakerStatus is the arm state of the circuit breaker.
type BreakerStatus string

const (
	// BreakerArmed means the breaker is watching.
	BreakerArmed BreakerStatus = "armed"
	// BreakerTripped means a trigger fired and automation halted.
	BreakerTripped BreakerStatus = "tripped"
)

// BreakerState carries the counters the triggers evaluate. A sidecar
// file mirrors these so they survive crashes.
type BreakerState struct {
	// Status is armed or tripped.
	Status BreakerStatus `json:"status"`

	// TriggeredBy names the trigger that tripped, e.g.
	// "Trigger 1: Rebuttal Limit". Empty while armed.
	TriggeredBy string `json:"triggered_by,omitempty"`

	// RebuttalCount counts implementer rebuttals of FAIL verdicts.
	RebuttalCount int `json:"rebuttal_count"`

	// ReviewCycleCount counts completed judge review cycles.
	ReviewCycleCount int `json:"review_cycle_count"`

	// TokensUsed accumulates LLM tokens across all workers.
	TokensUsed int64 `json:"tokens_used"`

	// CostUSD accumulates LLM spend. Monotone non-decreasing.
	CostUSD float64 `json:"cost_usd"`

	// ScopeFileCount is the number of distinct files touched so far.
	ScopeFileCount int `json:"scope_file_count"`

	// LastJudgeHashes records content hashes that received FAIL
	// verdicts, for hallucination-loop detection.
	LastJudgeHashes []string `json:"last_judge_hashes,omitempty"`
}

// Lock is the mutation lease. Expired locks are stealable.
type Lock struct {
	// HeldBy is the actor holding the lease.
	HeldBy string `json:"held_by"`

	// AcquiredAt is when the lease was taken.
	AcquiredAt time.Time `json:"acquired_at"`

	// ExpiresAt is when the lease lapses and becomes stealable.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// GitState tracks the task's branch bookkeeping.
type GitState struct {
	// BaseBranch is the branch the task forked from and merges onto.
	BaseBranch string `json:"base_branch"`

	// BaseCommit is the commit the task branch was cut at.
	BaseCommit string `json:"base_commit"`

	// TaskBranch is the working branch, task/<task_id>.
	TaskBranch string `json:"task_branch"`

	// CheckpointSHAs lists the per-transition commit SHAs in order.
	CheckpointSHAs []string `json:"checkpoint_shas"`
}

// HandoffData carries artifact locations exchanged between roles.
type HandoffData struct {
	// ChangedFiles lists files changed so far, staged at checkpoints.
	ChangedFiles []string `json:"changed_files"`

	// JudgeReportPath is the latest judge report artifact.
	JudgeReportPath string `json:"judge_report_path,omitempty"`

	// RebuttalPath is the latest rebuttal artifact.
	RebuttalPath string `json:"rebuttal_path,omitempty"`

	// LastImplementerHash is the content hash of the implementer's
	// most recent accepted draft.
	LastImplementerHash string `json:"last_implementer_hash,omitempty"`

	// LastLocalPassHash is the draft hash the local reviewer last
	// passed.
	LastLocalPassHash string `json:"last_local_pass_hash,omitempty"`

	// LastFailedDraftHash is the draft hash behind the judge's most
	// recent FAIL verdict. Matching it against the local pass across
	// consecutive cycles detects a reviewer contradiction.
	LastFailedDraftHash string `json:"last_failed_draft_hash,omitempty"`
}

// HistoryEntry is one line of the contract's transition ledger.
type HistoryEntry struct {
	// Timestamp is when the transition was applied.
	Timestamp time.Time `json:"timestamp"`

	// OldStatus is the status before the transition.
	OldStatus Status `json:"old_status"`

	// NewStatus is the status after the transition.
	NewStatus Status `json:"new_status"`

	// Event is the event that drove the transition.
	Event string `json:"event"`

	// Actor is who applied it.
	Actor string `json:"actor"`

	// Reason is the human explanation recorded with the transition.
	Reason string `json:"reason"`

	// CostDeltaUSD is the spend recorded with this transition, zero
	// when none.
	CostDeltaUSD float64 `json:"cost_delta_usd"`

	// CommitSHA is the checkpoint commit, empty when checkpointing is
	// disabled.
	CommitSHA string `json:"commit_sha,omitempty"`
}

// Timestamps records contract lifecycle instants.
type Timestamps struct {
	// CreatedAt is when the contract was materialized.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last mutation time.
	UpdatedAt time.Time `json:"updated_at"`
}

// Touch updates the mutation timestamp.
func (c *Contract) Touch(now time.Time) {
	c.Timestamps.UpdatedAt = now
}

// Age returns how long the task has existed at the given instant.
func (c *Contract) Age(now time.Time) time.Duration {
	return now.Sub(c.Timestamps.CreatedAt)
}

// GlobalTimeout returns the task's wall-clock lifetime cap.
func (c *Contract) GlobalTimeout() time.Duration {
	return time.Duration(c.Limits.GlobalTimeoutHours * float64(time.Hour))
}

// TimedOut reports whether the task has outlived its global timeout.
func (c *Contract) TimedOut(now time.Time) bool {
	return c.Age(now) > c.GlobalTimeout()
}
