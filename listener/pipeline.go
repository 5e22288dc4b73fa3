package listener

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/broker"
	"github.com/c360studio/semfloor/checkpoint"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/machine"
	"github.com/c360studio/semfloor/model"
	"github.com/c360studio/semfloor/sandbox"
	"github.com/c360studio/semfloor/storage"
)

// advance drives one task as far as it can go in this invocation.
// Each step reloads the contract, so an operator mutation or a breaker
// trip between steps is always seen. A step that must wait on an
// external actor returns false and the loop ends until the next poll.
func (l *Listener) advance(ctx context.Context, taskID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		if l.breaker.Halted() {
			l.logger.Warn("forced halt in effect, task parked", "task_id", taskID)
			return
		}

		c, err := l.contracts.Load(taskID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				l.logger.Warn("contract load failed", "task_id", taskID, "error", err)
			}
			return
		}
		if c.Status.IsTerminal() || c.Breaker.Status == contract.BreakerTripped {
			return
		}

		var progressed bool
		switch c.Status {
		case contract.StatusPendingImplementer:
			progressed = l.stepStartImplementer(ctx, c)
		case contract.StatusImplementationInProgress:
			progressed = l.stepImplement(ctx, c)
		case contract.StatusPendingLocalReview:
			progressed = l.stepLocalReview(ctx, c)
		case contract.StatusPendingJudgeReview:
			progressed = l.stepStartJudge(ctx, c)
		case contract.StatusJudgeReviewInProgress:
			progressed = l.stepJudge(ctx, c)
		case contract.StatusPendingRebuttal:
			progressed = l.stepRebuttal(ctx, c)
		case contract.StatusReviewComplete:
			progressed = l.stepMerge(ctx, c)
		default:
			// Timeout and consultation states belong to the stall sweep
			// and the operator.
			return
		}
		if !progressed {
			return
		}
	}
}

// stepStartImplementer cuts the task branch and hands the task to the
// implementer.
func (l *Listener) stepStartImplementer(ctx context.Context, c *contract.Contract) bool {
	var baseCommit string
	if l.git != nil && c.Git.TaskBranch == "" {
		base, err := l.git.CreateTaskBranch(ctx, c.TaskID, c.Git.BaseBranch)
		if err != nil {
			l.logger.Error("task branch creation failed",
				"task_id", c.TaskID, "base", c.Git.BaseBranch, "error", err)
			return false
		}
		baseCommit = base
	}

	_, err := l.machine.Apply(ctx, c.TaskID, machine.EventImplStarted, machine.ApplyOptions{
		Mutate: func(cc *contract.Contract) error {
			if baseCommit != "" {
				cc.Git.TaskBranch = checkpoint.BranchName(cc.TaskID)
				cc.Git.BaseCommit = baseCommit
			}
			return nil
		},
	})
	if err != nil {
		l.logger.Warn("implementer start failed", "task_id", c.TaskID, "error", err)
		return false
	}
	return true
}

// stepImplement gates a waiting submission if one exists, otherwise
// runs the implementer and gates what it submitted.
func (l *Listener) stepImplement(ctx context.Context, c *contract.Contract) bool {
	// A submission may already be waiting: crash recovery, or a
	// DRAFT_READY that raced the worker run.
	if progressed, found := l.gateSubmission(ctx, c, 0, 0); found {
		return progressed
	}

	res, err := l.broker.RunImplementer(ctx, c)
	if err != nil {
		l.logger.Error("implementer run failed", "task_id", c.TaskID, "error", err)
		return false
	}
	usd := l.roleCost(model.RoleImplementer, res.ModelUsed, res.TokensUsed)
	l.logger.Info("implementer finished",
		"task_id", c.TaskID,
		"submissions", len(res.Submissions),
		"tokens", res.TokensUsed)
	progressed, _ := l.gateSubmission(ctx, c, usd, res.TokensUsed)
	return progressed
}

// gateSubmission pushes the task's sandbox submission through the
// draft gate and applies the accepted draft to the state machine. The
// second return is false when no submission was waiting.
func (l *Listener) gateSubmission(ctx context.Context, c *contract.Contract, costUSD float64, tokens int64) (bool, bool) {
	if l.gate == nil {
		return false, false
	}

	out, err := l.gate.Handle(ctx, c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Nothing submitted yet; the watcher or the next poll
			// picks it up.
			return false, false
		}
		l.logger.Warn("draft gate failed", "task_id", c.TaskID, "error", err)
		return false, false
	}

	switch out.Decision {
	case sandbox.DecisionAccept:
		_, err := l.machine.Apply(ctx, c.TaskID, machine.EventDraftAccepted, machine.ApplyOptions{
			Reason:       "draft accepted: " + out.Reason,
			CostDeltaUSD: costUSD,
			TokensDelta:  tokens,
			ChangedFiles: []string{c.Specification.TargetFile},
			Signals: breaker.Signals{
				DeletionRatio: out.Stats.DeletionRatio,
				CurrentHash:   out.DraftHash,
			},
			Mutate: func(cc *contract.Contract) error {
				cc.HandoffData.LastImplementerHash = out.DraftHash
				return nil
			},
		})
		if err != nil {
			l.logger.Warn("draft acceptance failed", "task_id", c.TaskID, "error", err)
			return false, true
		}
		return true, true

	case sandbox.DecisionReject:
		// The worker was notified and owes a new draft; status holds.
		l.logger.Info("draft rejected", "task_id", c.TaskID, "reason", out.Reason)
		return false, true

	case sandbox.DecisionEscalate:
		l.logger.Warn("draft escalated", "task_id", c.TaskID, "reason", out.Reason)
		if out.ScopeViolation {
			trip, err := l.breaker.Evaluate(c, breaker.Signals{ScopeViolation: true}, l.now())
			if err == nil && trip != nil {
				l.tripBreaker(ctx, c.TaskID, trip)
			}
		}
		return false, true

	default:
		l.logger.Error("unknown gate decision", "task_id", c.TaskID, "decision", string(out.Decision))
		return false, true
	}
}

// stepLocalReview runs the cheap local reviewer. A critical result
// (including infrastructure failure) blocks the path to the judge and
// sends the task back to the implementer.
func (l *Listener) stepLocalReview(ctx context.Context, c *contract.Contract) bool {
	res, err := l.broker.RunLocalReview(ctx, c)
	if err != nil {
		l.logger.Error("local review run failed", "task_id", c.TaskID, "error", err)
		return false
	}
	usd := l.roleCost(model.RoleLocalReviewer, "", res.TokensUsed)

	if res.Passed && !res.Critical {
		_, err := l.machine.Apply(ctx, c.TaskID, machine.EventLocalPass, machine.ApplyOptions{
			CostDeltaUSD: usd,
			TokensDelta:  res.TokensUsed,
			Mutate: func(cc *contract.Contract) error {
				cc.HandoffData.LastLocalPassHash = cc.HandoffData.LastImplementerHash
				return nil
			},
		})
		if err != nil {
			l.logger.Warn("local pass failed", "task_id", c.TaskID, "error", err)
			return false
		}
		return true
	}

	reason := "local review failed: " + describeIssues(res.Issues)
	if res.Critical {
		reason = "local review critical: " + describeIssues(res.Issues)
	}
	_, err = l.machine.Apply(ctx, c.TaskID, machine.EventLocalFail, machine.ApplyOptions{
		Reason:       reason,
		CostDeltaUSD: usd,
		TokensDelta:  res.TokensUsed,
	})
	if err != nil {
		l.logger.Warn("local fail transition failed", "task_id", c.TaskID, "error", err)
		return false
	}
	return true
}

func (l *Listener) stepStartJudge(ctx context.Context, c *contract.Contract) bool {
	_, err := l.machine.Apply(ctx, c.TaskID, machine.EventReviewStarted, machine.ApplyOptions{})
	if err != nil {
		l.logger.Warn("judge start failed", "task_id", c.TaskID, "error", err)
		return false
	}
	return true
}

// stepJudge runs the judge and applies its verdict.
func (l *Listener) stepJudge(ctx context.Context, c *contract.Contract) bool {
	res, err := l.broker.RunJudge(ctx, c)
	if err != nil {
		l.logger.Error("judge run failed", "task_id", c.TaskID, "error", err)
		return false
	}
	usd := l.roleCost(model.RoleJudge, "", res.TokensUsed)
	return l.applyVerdict(ctx, c, &verdictInput{
		verdict:        res.Verdict,
		blockingIssues: res.BlockingIssues,
		reportPath:     res.ReportPath,
		contentHash:    res.ContentHash,
		tokens:         res.TokensUsed,
		costUSD:        usd,
	})
}

// verdictInput carries one judge ruling whether it arrived via the
// broker or a VERDICT_SIGNAL.
type verdictInput struct {
	verdict        contract.Verdict
	blockingIssues []string
	reportPath     string
	contentHash    string
	tokens         int64
	costUSD        float64
	actor          string
}

// applyVerdict turns a judge ruling into a state transition. Every
// verdict counts one review cycle; FAIL records the failed content
// hash so a resubmitted identical draft trips the hallucination loop,
// and a second FAIL over a draft the local reviewer passed raises the
// paradox signal.
func (l *Listener) applyVerdict(ctx context.Context, c *contract.Contract, in *verdictInput) bool {
	styleOnly := broker.StyleOnly(in.blockingIssues)
	empty := len(in.blockingIssues) == 0

	if in.verdict == contract.VerdictCriticalHalt {
		reason := "judge issued CRITICAL_HALT: " + describeIssues(in.blockingIssues)
		_, err := l.machine.Apply(ctx, c.TaskID, machine.EventBreakerTripped, machine.ApplyOptions{
			Actor:  in.actor,
			Reason: reason,
			Mutate: func(cc *contract.Contract) error {
				return l.breaker.MarkTripped(cc, &breaker.Trip{
					TriggeredBy: "judge: CRITICAL_HALT",
					Reason:      reason,
				})
			},
		})
		if err != nil {
			l.logger.Error("critical halt transition failed", "task_id", c.TaskID, "error", err)
		}
		return false
	}

	if in.verdict.PermitsMerge() {
		_, err := l.machine.Apply(ctx, c.TaskID, machine.EventVerdictPass, machine.ApplyOptions{
			Actor:        in.actor,
			Reason:       fmt.Sprintf("judge verdict %s", in.verdict),
			CostDeltaUSD: in.costUSD,
			TokensDelta:  in.tokens,
			Mutate: func(cc *contract.Contract) error {
				if in.reportPath != "" {
					cc.HandoffData.JudgeReportPath = in.reportPath
				}
				return l.breaker.RecordReviewCycle(cc, styleOnly, empty)
			},
		})
		if err != nil {
			l.logger.Warn("verdict pass failed", "task_id", c.TaskID, "error", err)
			return false
		}
		return true
	}

	// FAIL: into the rebuttal loop while budget remains; the breaker
	// trips inside the same Apply when it does not. A repeat FAIL over
	// the exact draft the local reviewer passed means the two reviewers
	// contradict each other.
	draft := c.HandoffData.LastImplementerHash
	paradox := draft != "" &&
		draft == c.HandoffData.LastLocalPassHash &&
		draft == c.HandoffData.LastFailedDraftHash

	_, err := l.machine.Apply(ctx, c.TaskID, machine.EventFailWithCyclesLeft, machine.ApplyOptions{
		Actor:        in.actor,
		Reason:       "judge verdict FAIL: " + describeIssues(in.blockingIssues),
		CostDeltaUSD: in.costUSD,
		TokensDelta:  in.tokens,
		Signals:      breaker.Signals{LocalParadox: paradox},
		Mutate: func(cc *contract.Contract) error {
			cc.HandoffData.LastFailedDraftHash = cc.HandoffData.LastImplementerHash
			if in.reportPath != "" {
				cc.HandoffData.JudgeReportPath = in.reportPath
			}
			if err := l.breaker.RecordReviewCycle(cc, styleOnly, empty); err != nil {
				return err
			}
			return l.breaker.RecordFailedHash(cc, in.contentHash)
		},
	})
	if err != nil {
		l.logger.Warn("verdict fail transition failed", "task_id", c.TaskID, "error", err)
		return false
	}
	return true
}

// stepRebuttal arbitrates an implementer rebuttal of a FAIL verdict
// and sends the task back to the implementer with the ruling.
func (l *Listener) stepRebuttal(ctx context.Context, c *contract.Contract) bool {
	ruling, err := l.broker.ResolveConflict(ctx, c, c.HandoffData.RebuttalPath, c.HandoffData.JudgeReportPath)
	if err != nil {
		l.logger.Error("conflict resolution failed", "task_id", c.TaskID, "error", err)
		return false
	}

	_, err = l.machine.Apply(ctx, c.TaskID, machine.EventRebuttalResolved, machine.ApplyOptions{
		Reason: fmt.Sprintf("rebuttal resolved for %s: %s", ruling.Side, ruling.Recommendation),
		Mutate: func(cc *contract.Contract) error {
			return l.breaker.RecordRebuttal(cc)
		},
	})
	if err != nil {
		l.logger.Warn("rebuttal resolution failed", "task_id", c.TaskID, "error", err)
		return false
	}
	l.logger.Info("rebuttal resolved",
		"task_id", c.TaskID, "side", ruling.Side, "reasoning", ruling.Reasoning)
	return true
}

// stepMerge merges the task branch onto the base. A merge conflict is
// never auto-resolved: the tree rolls back and the breaker forces the
// task to consultation.
func (l *Listener) stepMerge(ctx context.Context, c *contract.Contract) bool {
	if l.git != nil {
		target := c.Git.BaseBranch
		if target == "" {
			target = "main"
		}
		if _, err := l.git.MergeToMain(ctx, c.TaskID, target); err != nil {
			var conflict *checkpoint.ConflictError
			if errors.As(err, &conflict) {
				if rbErr := l.git.Rollback(ctx, target); rbErr != nil {
					l.logger.Error("merge rollback failed", "task_id", c.TaskID, "error", rbErr)
				}
				_, terr := l.machine.Apply(ctx, c.TaskID, machine.EventBreakerTripped, machine.ApplyOptions{
					Reason: "git merge conflict: " + conflict.Error(),
					Mutate: func(cc *contract.Contract) error {
						return l.breaker.MarkTripped(cc, &breaker.Trip{
							TriggeredBy: "git: merge conflict",
							Reason:      "git merge conflict: " + conflict.Error(),
						})
					},
				})
				if terr != nil {
					l.logger.Error("merge conflict halt failed", "task_id", c.TaskID, "error", terr)
				}
				return false
			}
			l.logger.Error("merge failed", "task_id", c.TaskID, "error", err)
			return false
		}
	}

	_, err := l.machine.Apply(ctx, c.TaskID, machine.EventMergeOK, machine.ApplyOptions{})
	if err != nil {
		l.logger.Warn("merge transition failed", "task_id", c.TaskID, "error", err)
		return false
	}
	l.logger.Info("task merged", "task_id", c.TaskID, "base", c.Git.BaseBranch)
	// Merged is terminal; the engine archived the contract.
	return false
}

// roleCost prices a worker run. Workers report one token count; it is
// billed at the output rate, the conservative side.
func (l *Listener) roleCost(role, modelUsed string, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	m := modelUsed
	if m == "" {
		m = l.pricing.ForRole(role)
	}
	return l.pricing.Cost(m, 0, tokens)
}

func (l *Listener) judgeModel() string {
	return l.pricing.ForRole(model.RoleJudge)
}
