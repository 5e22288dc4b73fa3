package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/metrics"
	"github.com/c360studio/semfloor/storage"
)

// AuditLogFileName is the NDJSON transition log at the handoff root,
// size-rotated by the atomic store.
const AuditLogFileName = "transition.ndjson"

// Checkpointer commits one git checkpoint per transition. Nil disables
// checkpointing (tests, dry runs).
type Checkpointer interface {
	Checkpoint(ctx context.Context, taskID string, status contract.Status, event string, files []string) (string, error)
}

// Options configures the engine.
type Options struct {
	// Actor is the default actor recorded in history entries.
	Actor string

	// LeaseTTL is the mutation lease lifetime. Zero means the default.
	LeaseTTL time.Duration

	// Git commits checkpoints. Nil disables them.
	Git Checkpointer

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine applies events to contracts. One mutation at a time per
// task, serialized by the lease; every accepted transition appends
// exactly one history entry and one audit log line.
type Engine struct {
	contracts *contract.Store
	atomic    *storage.Store
	breaker   *breaker.Engine
	leases    *LeaseManager
	git       Checkpointer
	logger    *slog.Logger
	metrics   *metrics.Metrics
	actor     string
	now       func() time.Time
}

// NewEngine creates the state machine engine.
func NewEngine(atomic *storage.Store, contracts *contract.Store, brk *breaker.Engine, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actor := opts.Actor
	if actor == "" {
		actor = "floor_manager"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		contracts: contracts,
		atomic:    atomic,
		breaker:   brk,
		leases:    NewLeaseManager(atomic, contracts, opts.LeaseTTL, logger),
		git:       opts.Git,
		logger:    logger,
		metrics:   opts.Metrics,
		actor:     actor,
		now:       now,
	}
}

// Leases exposes the lease manager for operators.
func (e *Engine) Leases() *LeaseManager {
	return e.leases
}

// AuditLogPath returns the transition log location.
func (e *Engine) AuditLogPath() string {
	return filepath.Join(e.contracts.Root(), AuditLogFileName)
}

// ApplyOptions parameterizes one event application.
type ApplyOptions struct {
	// Actor overrides the engine's default actor for the history entry.
	Actor string

	// Reason overrides the table's default reason.
	Reason string

	// CostDeltaUSD and TokensDelta accumulate onto the breaker
	// counters and appear in the history entry.
	CostDeltaUSD float64
	TokensDelta  int64

	// Signals feed the breaker evaluation for this mutation.
	Signals breaker.Signals

	// ChangedFiles extends handoff_data.changed_files before the
	// checkpoint stages them.
	ChangedFiles []string

	// Mutate applies extra contract changes inside the lease, after
	// the status change and before persistence.
	Mutate func(c *contract.Contract) error
}

// Apply loads the contract, takes the lease, applies the transition,
// runs the breaker, checkpoints, persists, and audits. On a breaker
// trip the status jumps to consultation with its own history entry in
// the same lease hold.
func (e *Engine) Apply(ctx context.Context, taskID string, event Event, opts ApplyOptions) (*contract.Contract, error) {
	c, err := e.contracts.Load(taskID)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: no further mutation", taskID, c.Status)
	}

	// Resolve the edge before touching anything: illegal pairs fail
	// loudly with zero mutation.
	newStatus, reason, err := Transition(c.Status, event)
	if err != nil {
		return nil, err
	}
	if opts.Reason != "" {
		reason = opts.Reason
	}

	actor := opts.Actor
	if actor == "" {
		actor = e.actor
	}

	lock, err := e.leases.Acquire(taskID, actor)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := e.leases.Release(taskID, actor); relErr != nil {
			e.logger.Warn("lease release failed", "task_id", taskID, "error", relErr)
		}
	}()
	c.Lock = lock

	now := e.now().UTC()
	entry := e.mutate(c, event, newStatus, reason, actor, opts, now)

	if opts.Mutate != nil {
		if err := opts.Mutate(c); err != nil {
			return nil, fmt.Errorf("apply %s to %s: %w", event, taskID, err)
		}
	}

	entries := []contract.HistoryEntry{entry}

	// The breaker runs on every mutation except its own trip event.
	if event != EventBreakerTripped && e.breaker != nil {
		trip, err := e.breaker.Evaluate(c, opts.Signals, now)
		if err != nil {
			return nil, err
		}
		if trip != nil {
			if err := e.breaker.MarkTripped(c, trip); err != nil {
				return nil, err
			}
			haltStatus, _, terr := Transition(c.Status, EventBreakerTripped)
			if terr != nil {
				return nil, terr
			}
			tripEntry := e.mutate(c, EventBreakerTripped, haltStatus, trip.Reason, "breaker", ApplyOptions{}, now)
			entries = append(entries, tripEntry)
		}
	}

	if e.git != nil {
		sha, err := e.git.Checkpoint(ctx, taskID, c.Status, string(entries[len(entries)-1].Event), c.HandoffData.ChangedFiles)
		if err != nil {
			e.logger.Warn("checkpoint commit failed",
				"task_id", taskID,
				"event", event,
				"error", err)
		} else if sha != "" {
			c.Git.CheckpointSHAs = append(c.Git.CheckpointSHAs, sha)
			c.History[len(c.History)-1].CommitSHA = sha
			entries[len(entries)-1].CommitSHA = sha
		}
	}

	c.Lock = nil
	if err := e.contracts.Save(c); err != nil {
		return nil, err
	}
	if e.breaker != nil {
		if err := e.breaker.Sync(c); err != nil {
			e.logger.Warn("breaker sidecar sync failed", "task_id", taskID, "error", err)
		}
	}

	for _, en := range entries {
		if err := e.audit(taskID, en); err != nil {
			return nil, err
		}
		e.metrics.TransitionApplied(string(en.Event))
	}
	e.metrics.SetTaskCost(taskID, c.Breaker.CostUSD)

	// Merged is terminal: archive and freeze.
	if c.Status == contract.StatusMerged {
		if err := e.contracts.Archive(taskID); err != nil {
			return nil, err
		}
		e.logger.Info("task merged and archived", "task_id", taskID)
	}

	e.logger.Info("transition applied",
		"task_id", taskID,
		"event", string(event),
		"old_status", string(entries[0].OldStatus),
		"new_status", string(c.Status))
	return c, nil
}

// mutate performs the in-memory status change and returns the history
// entry it appended.
func (e *Engine) mutate(c *contract.Contract, event Event, newStatus contract.Status, reason, actor string, opts ApplyOptions, now time.Time) contract.HistoryEntry {
	old := c.Status
	c.Status = newStatus
	c.StatusReason = reason
	c.Touch(now)

	if opts.CostDeltaUSD > 0 {
		c.Breaker.CostUSD += opts.CostDeltaUSD
	}
	if opts.TokensDelta > 0 {
		c.Breaker.TokensUsed += opts.TokensDelta
	}
	for _, f := range opts.ChangedFiles {
		if !containsString(c.HandoffData.ChangedFiles, f) {
			c.HandoffData.ChangedFiles = append(c.HandoffData.ChangedFiles, f)
		}
	}
	c.Breaker.ScopeFileCount = len(c.HandoffData.ChangedFiles)

	entry := contract.HistoryEntry{
		Timestamp:    now,
		OldStatus:    old,
		NewStatus:    newStatus,
		Event:        string(event),
		Actor:        actor,
		Reason:       reason,
		CostDeltaUSD: opts.CostDeltaUSD,
	}
	c.History = append(c.History, entry)
	return entry
}

// auditLine is one transition.ndjson record. Field names match the
// history entry so the two ledgers reconcile one-to-one.
type auditLine struct {
	Timestamp    time.Time `json:"timestamp"`
	Event        string    `json:"event"`
	TaskID       string    `json:"task_id"`
	OldStatus    string    `json:"old_status,omitempty"`
	NewStatus    string    `json:"new_status,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	CostDeltaUSD float64   `json:"cost_delta_usd,omitempty"`
	CommitSHA    string    `json:"commit_sha,omitempty"`
}

func (e *Engine) audit(taskID string, entry contract.HistoryEntry) error {
	rec, err := json.Marshal(auditLine{
		Timestamp:    entry.Timestamp,
		Event:        entry.Event,
		TaskID:       taskID,
		OldStatus:    string(entry.OldStatus),
		NewStatus:    string(entry.NewStatus),
		Reason:       entry.Reason,
		CostDeltaUSD: entry.CostDeltaUSD,
		CommitSHA:    entry.CommitSHA,
	})
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := e.atomic.Append(e.AuditLogPath(), rec); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
