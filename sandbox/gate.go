package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/metrics"
	"github.com/c360studio/semfloor/storage"
)

// Decision is a gate outcome.
type Decision string

const (
	// DecisionAccept applies the draft to the real tree.
	DecisionAccept Decision = "ACCEPT"
	// DecisionReject discards the draft. Safety violations land here
	// and are never auto-applied.
	DecisionReject Decision = "REJECT"
	// DecisionEscalate parks the draft for a human: conflicts,
	// destructive diffs, scope blowouts.
	DecisionEscalate Decision = "ESCALATE"
)

// Gate thresholds beyond which a draft needs a human.
const (
	// MaxDeletionRatio is the fraction of the original a draft may
	// delete before escalating.
	MaxDeletionRatio = 0.5

	// MaxChangedLines caps total added plus removed lines.
	MaxChangedLines = 500

	// MaxTouchedFiles caps the task's file scope including this draft.
	MaxTouchedFiles = 20
)

// Outcome is the gate's full report on one submission.
type Outcome struct {
	Decision Decision

	// Reason explains the decision in one line.
	Reason string

	// Stats is the diff analysis. Nil when the submission failed
	// before diffing.
	Stats *DiffStats

	// DraftHash identifies the judged content, fed to the
	// hallucination-loop check.
	DraftHash string

	// ScopeViolation is true when the target sits outside the
	// contract's allowed paths. Feeds the scope-creep trigger.
	ScopeViolation bool
}

// GateOptions wires the gate's collaborators.
type GateOptions struct {
	// WorkerAgent receives DRAFT_ACCEPTED / DRAFT_REJECTED.
	WorkerAgent string

	// ManagerAgent receives DRAFT_ESCALATED.
	ManagerAgent string

	// AgentID is the gate's own bus identity.
	AgentID string

	// AuditLogPath receives draft_applied records.
	AuditLogPath string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gate decides whether sandboxed drafts reach the real tree.
type Gate struct {
	sandbox *Sandbox
	atomic  *storage.Store
	msgbus  bus.Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	workerAgent  string
	managerAgent string
	agentID      string
	auditLogPath string
}

// NewGate creates a gate over the sandbox and the bus.
func NewGate(sb *Sandbox, atomic *storage.Store, msgbus bus.Bus, opts GateOptions) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	worker := opts.WorkerAgent
	if worker == "" {
		worker = "implementer"
	}
	manager := opts.ManagerAgent
	if manager == "" {
		manager = "super_manager"
	}
	agentID := opts.AgentID
	if agentID == "" {
		agentID = "floor_manager"
	}
	return &Gate{
		sandbox:      sb,
		atomic:       atomic,
		msgbus:       msgbus,
		logger:       logger,
		metrics:      opts.Metrics,
		workerAgent:  worker,
		managerAgent: manager,
		agentID:      agentID,
		auditLogPath: opts.AuditLogPath,
	}
}

// Handle judges a task's submission in the fixed order: existence,
// conflict, diff, safety, size, then apply. Every outcome notifies
// the interested agent and records its reason; only ACCEPT touches
// the real tree.
func (g *Gate) Handle(ctx context.Context, c *contract.Contract) (*Outcome, error) {
	sub, err := g.sandbox.LoadSubmission(c.TaskID)
	if err != nil {
		return nil, err
	}

	draft, err := os.ReadFile(sub.DraftPath)
	if err != nil {
		return nil, fmt.Errorf("submission draft missing: %w", err)
	}
	original, err := os.ReadFile(sub.OriginalPath)
	if err != nil {
		return nil, fmt.Errorf("submission original missing: %w", err)
	}

	// The real file moved under the worker: a human untangles it.
	if HashBytes(original) != sub.OriginalHash {
		return g.escalate(ctx, c, sub, &Outcome{
			DraftHash: sub.DraftHash,
			Reason:    "conflict: original changed since the draft was taken",
		})
	}

	stats, err := Diff(original, draft, sub.OriginalPath, sub.DraftPath)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Stats: stats, DraftHash: sub.DraftHash}

	// Safety first: secrets and hardcoded homes are never applied.
	if violations := ScanAddedLines(stats.AddedLines); len(violations) > 0 {
		outcome.Reason = fmt.Sprintf("safety: %s", violations[0])
		return g.reject(ctx, c, sub, outcome)
	}

	rel := g.relPath(sub.OriginalPath)
	if !c.Constraints.InScope(rel) {
		outcome.ScopeViolation = true
		outcome.Reason = fmt.Sprintf("scope: %s is outside allowed_paths", rel)
		return g.escalate(ctx, c, sub, outcome)
	}

	switch {
	case stats.DeletionRatio > MaxDeletionRatio:
		outcome.Reason = fmt.Sprintf("destructive: deletes %.0f%% of the original", stats.DeletionRatio*100)
		return g.escalate(ctx, c, sub, outcome)
	case stats.Changed() > MaxChangedLines:
		outcome.Reason = fmt.Sprintf("oversized: %d changed lines, cap is %d", stats.Changed(), MaxChangedLines)
		return g.escalate(ctx, c, sub, outcome)
	case g.wouldExceedScope(c, rel):
		outcome.Reason = fmt.Sprintf("scope: task would touch more than %d files", MaxTouchedFiles)
		return g.escalate(ctx, c, sub, outcome)
	}

	// Apply atomically: tmp sibling of the original, fsync, rename.
	if err := g.atomic.Write(sub.OriginalPath, draft); err != nil {
		return nil, fmt.Errorf("apply draft: %w", err)
	}
	if err := g.auditApplied(c.TaskID, sub, stats); err != nil {
		return nil, err
	}
	g.sandbox.Cleanup(sub)

	outcome.Decision = DecisionAccept
	outcome.Reason = fmt.Sprintf("applied: +%d/-%d lines on %s", stats.Added, stats.Removed, rel)
	g.notify(ctx, c.TaskID, bus.MsgDraftAccepted, g.workerAgent, outcome)
	g.metrics.GateDecision(string(DecisionAccept))
	g.logger.Info("draft accepted",
		"task_id", c.TaskID,
		"target", rel,
		"added", stats.Added,
		"removed", stats.Removed)
	return outcome, nil
}

func (g *Gate) reject(ctx context.Context, c *contract.Contract, sub *Submission, o *Outcome) (*Outcome, error) {
	o.Decision = DecisionReject
	g.sandbox.Cleanup(sub)
	g.notify(ctx, c.TaskID, bus.MsgDraftRejected, g.workerAgent, o)
	g.metrics.GateDecision(string(DecisionReject))
	g.logger.Warn("draft rejected", "task_id", c.TaskID, "reason", o.Reason)
	return o, nil
}

func (g *Gate) escalate(ctx context.Context, c *contract.Contract, sub *Submission, o *Outcome) (*Outcome, error) {
	o.Decision = DecisionEscalate
	// Escalated drafts stay in the sandbox for the human to inspect.
	g.notify(ctx, c.TaskID, bus.MsgDraftEscalated, g.managerAgent, o)
	g.metrics.GateDecision(string(DecisionEscalate))
	g.logger.Warn("draft escalated", "task_id", c.TaskID, "reason", o.Reason)
	return o, nil
}

// notify reports the decision over the bus. A notification failure is
// loud but does not reverse the decision.
func (g *Gate) notify(ctx context.Context, taskID string, msgType bus.MessageType, to string, o *Outcome) {
	msg, err := bus.NewMessage(msgType, g.agentID, to, bus.DraftDecisionPayload{
		TaskID:   taskID,
		Decision: string(o.Decision),
		Reason:   o.Reason,
	})
	if err == nil {
		_, err = g.msgbus.Send(ctx, msg)
	}
	if err != nil {
		g.logger.Warn("gate notification failed",
			"task_id", taskID,
			"type", string(msgType),
			"error", err)
	}
}

// auditApplied appends the draft_applied record to the audit log.
func (g *Gate) auditApplied(taskID string, sub *Submission, stats *DiffStats) error {
	if g.auditLogPath == "" {
		return nil
	}
	rec, err := json.Marshal(map[string]any{
		"timestamp": time.Now().UTC(),
		"event":     "draft_applied",
		"task_id":   taskID,
		"reason":    fmt.Sprintf("+%d/-%d lines on %s", stats.Added, stats.Removed, sub.OriginalPath),
	})
	if err != nil {
		return fmt.Errorf("marshal draft_applied record: %w", err)
	}
	if err := g.atomic.Append(g.auditLogPath, rec); err != nil {
		return fmt.Errorf("audit draft_applied: %w", err)
	}
	return nil
}

// wouldExceedScope reports whether applying to rel pushes the task
// past the file cap.
func (g *Gate) wouldExceedScope(c *contract.Contract, rel string) bool {
	n := len(c.HandoffData.ChangedFiles)
	seen := false
	for _, f := range c.HandoffData.ChangedFiles {
		if f == rel {
			seen = true
			break
		}
	}
	if !seen {
		n++
	}
	return n > MaxTouchedFiles
}

// relPath renders an absolute workspace path relative to the
// workspace root, for constraint matching and logs.
func (g *Gate) relPath(abs string) string {
	rel, err := filepath.Rel(g.sandbox.ws, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return filepath.ToSlash(rel)
}
