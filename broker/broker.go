// Package broker defines the contract between the coordinator and the
// worker agents that actually write, review, and judge code. Workers
// run out of process; the two adapters here speak the same JSON work
// order over a subprocess pipe or HTTP.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/semfloor/contract"
)

// Op names a broker operation. The set is closed; adapters refuse
// anything else.
type Op string

const (
	OpImplement        Op = "run_implementer"
	OpLocalReview      Op = "run_local_review"
	OpJudge            Op = "run_judge"
	OpValidateProposal Op = "validate_proposal"
	OpResolveConflict  Op = "resolve_conflict"
)

// WorkOrder is the request every adapter carries to a worker: the op,
// the task contract, and the op-specific extras.
type WorkOrder struct {
	Op     Op     `json:"op"`
	TaskID string `json:"task_id,omitempty"`

	// Contract is the full task contract for contract-scoped ops.
	Contract *contract.Contract `json:"contract,omitempty"`

	// Proposal carries the raw proposal document for validate_proposal.
	Proposal json.RawMessage `json:"proposal,omitempty"`

	// Rebuttal and JudgeReport feed resolve_conflict.
	Rebuttal    string `json:"rebuttal,omitempty"`
	JudgeReport string `json:"judge_report,omitempty"`

	// Deadline tells the worker when the coordinator gives up.
	Deadline time.Time `json:"deadline,omitempty"`
}

// ImplementResult reports what the implementer produced.
type ImplementResult struct {
	// Submissions lists the sandbox submission records written.
	Submissions []string `json:"submissions"`

	// Summary is the implementer's own account of the change.
	Summary string `json:"summary,omitempty"`

	ModelUsed  string `json:"model_used,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
}

// ReviewResult is the local reviewer's finding. An infrastructure
// failure surfaces as Critical rather than as a transport error, so
// the state machine always has a verdict to act on.
type ReviewResult struct {
	Passed   bool     `json:"passed"`
	Critical bool     `json:"critical"`
	Issues   []string `json:"issues"`

	TokensUsed int64 `json:"tokens_used,omitempty"`
}

// JudgeResult is the judge's verdict artifact.
type JudgeResult struct {
	Verdict        contract.Verdict `json:"verdict"`
	BlockingIssues []string         `json:"blocking_issues"`
	Suggestions    []string         `json:"suggestions"`
	TokensUsed     int64            `json:"tokens_used"`

	// ReportPath locates the full report when the worker wrote one.
	ReportPath string `json:"report_path,omitempty"`

	// ContentHash identifies the reviewed content, for loop detection.
	ContentHash string `json:"content_hash,omitempty"`
}

// ProposalCheck is the answer to validate_proposal.
type ProposalCheck struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// ConflictRuling is the arbiter's answer to a rebuttal dispute.
type ConflictRuling struct {
	// Side is "implementer" or "judge".
	Side           string `json:"side"`
	Reasoning      string `json:"reasoning"`
	Recommendation string `json:"recommendation"`
}

// Broker runs worker operations. Every call consumes cancellation and
// honors a hard per-task deadline.
type Broker interface {
	RunImplementer(ctx context.Context, c *contract.Contract) (*ImplementResult, error)
	RunLocalReview(ctx context.Context, c *contract.Contract) (*ReviewResult, error)
	RunJudge(ctx context.Context, c *contract.Contract) (*JudgeResult, error)
	ValidateProposal(ctx context.Context, proposal []byte) (*ProposalCheck, error)
	ResolveConflict(ctx context.Context, c *contract.Contract, rebuttal, judgeReport string) (*ConflictRuling, error)
}

// Error separates transport and worker failure from substantive
// worker output.
type Error struct {
	Op Op

	// Detail is the stderr tail or HTTP status context.
	Detail string

	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("broker %s: %v", e.Op, e.Err)
	if d := strings.TrimSpace(e.Detail); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// decodeInto parses a worker's JSON output. Malformed output is a
// broker error, never a partial result.
func decodeInto(op Op, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Op: op, Detail: truncate(string(data), 200), Err: fmt.Errorf("malformed worker output: %w", err)}
	}
	return nil
}

// validateJudge enforces the closed verdict set on the way in.
func validateJudge(res *JudgeResult) error {
	if !res.Verdict.IsValid() {
		return &Error{Op: OpJudge, Err: fmt.Errorf("unknown verdict %q", res.Verdict)}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
