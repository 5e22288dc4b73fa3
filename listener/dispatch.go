package listener

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/machine"
)

// dispatch routes one bus message. The switch is closed over the
// message vocabulary; the bus refuses unknown types at send, so the
// default arm only fires against a tampered store.
func (l *Listener) dispatch(ctx context.Context, msg *bus.Message) {
	l.logger.Debug("message received",
		"type", string(msg.Type), "from", msg.From, "id", msg.ID)

	switch msg.Type {
	case bus.MsgProposalReady:
		var p bus.ProposalReadyPayload
		if err := msg.Decode(&p); err != nil {
			l.logger.Warn("bad PROPOSAL_READY payload", "error", err)
			return
		}
		l.handleProposal(ctx, p.ProposalPath)

	case bus.MsgDraftReady:
		var p bus.DraftReadyPayload
		if err := msg.Decode(&p); err != nil {
			l.logger.Warn("bad DRAFT_READY payload", "error", err)
			return
		}
		l.startTask(ctx, p.TaskID)

	case bus.MsgReviewNeeded:
		var p bus.ReviewNeededPayload
		if err := msg.Decode(&p); err != nil {
			l.logger.Warn("bad REVIEW_NEEDED payload", "error", err)
			return
		}
		l.startTask(ctx, p.TaskID)

	case bus.MsgStopTask:
		var p bus.StopTaskPayload
		if err := msg.Decode(&p); err != nil {
			l.logger.Warn("bad STOP_TASK payload", "error", err)
			return
		}
		l.stopTask(p.TaskID, p.Reason)

	case bus.MsgQuestion:
		l.answerQuestion(ctx, msg)

	case bus.MsgVerdictSignal:
		l.handleVerdictSignal(ctx, msg)

	case bus.MsgAnswer:
		// Answers flow worker-ward; nothing for the coordinator to do.
		l.logger.Debug("answer observed", "from", msg.From)

	case bus.MsgHeartbeat, bus.MsgDraftAccepted, bus.MsgDraftRejected, bus.MsgDraftEscalated:
		// Heartbeats live in the heartbeat table; draft decisions are
		// addressed to workers and the super-manager.
		l.logger.Debug("message not for the coordinator", "type", string(msg.Type))

	default:
		l.logger.Warn("unknown message type in store", "type", string(msg.Type))
	}
}

// handleProposal converts a proposal document into a task contract, or
// writes the rejection artifact naming every offending field.
func (l *Listener) handleProposal(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		l.logger.Warn("proposal unreadable", "path", path, "error", err)
		return
	}

	p, errs := contract.ParseProposal(data)
	if len(errs) > 0 {
		rej, werr := contract.WriteRejection(l.atomic, l.contracts.Root(), path, errs)
		if werr != nil {
			l.logger.Error("rejection artifact write failed", "path", path, "error", werr)
			return
		}
		l.logger.Info("proposal rejected",
			"path", path, "problems", len(errs), "rejection", rej)
		return
	}

	seq, err := l.sequencer.Next(p.Project)
	if err != nil {
		l.logger.Error("sequence allocation failed", "project", p.Project, "error", err)
		return
	}
	taskID := contract.NewTaskID(p.Project, seq, p.EffectiveSlug())

	c, err := contract.New(p, contract.NewOptions{
		TaskID:        taskID,
		Defaults:      l.limitDefaults(),
		WorkspaceRoot: l.cfg.Repo.Path,
		Now:           l.now().UTC(),
	})
	if err != nil {
		rej, werr := contract.WriteRejection(l.atomic, l.contracts.Root(), path, []error{err})
		if werr != nil {
			l.logger.Error("rejection artifact write failed", "path", path, "error", werr)
			return
		}
		l.logger.Info("proposal rejected", "path", path, "rejection", rej)
		return
	}

	if err := l.contracts.Save(c); err != nil {
		l.logger.Error("contract save failed", "task_id", taskID, "error", err)
		return
	}
	l.logger.Info("contract created",
		"task_id", taskID,
		"complexity", string(c.Complexity),
		"target", c.Specification.TargetFile)
	l.startTask(ctx, taskID)
}

// limitDefaults maps the operator's configured ceilings onto new
// contracts. Zero fields keep the complexity table's values.
func (l *Listener) limitDefaults() contract.LimitDefaults {
	return contract.LimitDefaults{
		MaxRebuttals:       l.cfg.Limits.MaxRebuttalsDefault,
		MaxReviewCycles:    l.cfg.Limits.MaxReviewCyclesDefault,
		CostCeilingUSD:     l.cfg.Limits.CostCeilingUSDDefault,
		GlobalTimeoutHours: l.cfg.Limits.GlobalTimeoutHoursDefault,
	}
}

// answerQuestion answers a bounded question per the configured policy
// and sends the answer back to the asker.
func (l *Listener) answerQuestion(ctx context.Context, msg *bus.Message) {
	var q bus.QuestionPayload
	if err := msg.Decode(&q); err != nil {
		l.logger.Warn("bad QUESTION payload", "error", err)
		return
	}

	idx := answerIndex(l.cfg.Question.AnswerPolicy, len(q.Options))
	answer, err := bus.NewMessage(bus.MsgAnswer, l.cfg.Agent.ID, msg.From, bus.AnswerPayload{
		QuestionID:     q.QuestionID,
		SelectedOption: idx,
	})
	if err != nil {
		l.logger.Warn("answer build failed", "question_id", q.QuestionID, "error", err)
		return
	}
	if _, err := l.msgbus.Send(ctx, answer); err != nil {
		l.logger.Warn("answer send failed", "question_id", q.QuestionID, "error", err)
		return
	}
	l.logger.Info("question answered",
		"question_id", q.QuestionID,
		"task_id", q.TaskID,
		"selected_option", idx)
}

// answerIndex resolves the answer policy to a concrete option index,
// clamped into the question's range.
func answerIndex(policy string, optionCount int) int {
	idx := 0
	if rest, ok := strings.CutPrefix(policy, "index:"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
			idx = n
		}
	}
	if optionCount > 0 && idx >= optionCount {
		idx = optionCount - 1
	}
	return idx
}

// handleVerdictSignal applies an externally-delivered judge verdict.
// When the broker is mid-run for the task its own result wins and the
// signal is dropped.
func (l *Listener) handleVerdictSignal(ctx context.Context, msg *bus.Message) {
	var p bus.VerdictSignalPayload
	if err := msg.Decode(&p); err != nil {
		l.logger.Warn("bad VERDICT_SIGNAL payload", "error", err)
		return
	}
	if l.isActive(p.TaskID) {
		l.logger.Debug("verdict signal dropped, pipeline is live", "task_id", p.TaskID)
		return
	}

	verdict := contract.Verdict(p.Verdict)
	if !verdict.IsValid() {
		l.logger.Warn("verdict signal with unknown verdict",
			"task_id", p.TaskID, "verdict", p.Verdict)
		return
	}

	c, err := l.contracts.Load(p.TaskID)
	if err != nil {
		l.logger.Warn("verdict signal for unknown task", "task_id", p.TaskID, "error", err)
		return
	}

	if c.Status == contract.StatusPendingJudgeReview {
		c, err = l.machine.Apply(ctx, p.TaskID, machine.EventReviewStarted, machine.ApplyOptions{
			Actor: msg.From,
		})
		if err != nil {
			l.logger.Warn("review start failed", "task_id", p.TaskID, "error", err)
			return
		}
	}
	if c.Status != contract.StatusJudgeReviewInProgress {
		l.logger.Warn("verdict signal out of phase",
			"task_id", p.TaskID, "status", string(c.Status))
		return
	}

	cost := l.pricing.Cost(l.judgeModel(), 0, p.TokensUsed)
	l.applyVerdict(ctx, c, &verdictInput{
		verdict:        verdict,
		blockingIssues: p.BlockingIssues,
		reportPath:     p.ReportPath,
		contentHash:    p.ContentHash,
		tokens:         p.TokensUsed,
		costUSD:        cost,
		actor:          msg.From,
	})
	l.requestSweep()
}

// describeIssues renders the first issue for a reason line.
func describeIssues(issues []string) string {
	if len(issues) == 0 {
		return "no issues reported"
	}
	first := issues[0]
	if len(issues) > 1 {
		return fmt.Sprintf("%s (+%d more)", first, len(issues)-1)
	}
	return first
}
