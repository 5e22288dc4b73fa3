package breaker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/metrics"
	"github.com/c360studio/semfloor/storage"
)

// Options configures the breaker engine.
type Options struct {
	// NitpickEmptyCycles counts review cycles with an empty issue set
	// toward the nitpicking trigger. Default on.
	NitpickEmptyCycles *bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Engine evaluates the ten triggers against a contract and its
// sidecar, and owns the halt artifact lifecycle.
type Engine struct {
	atomic    *storage.Store
	contracts *contract.Store
	logger    *slog.Logger
	metrics   *metrics.Metrics

	nitpickEmptyCycles bool
}

// NewEngine creates a breaker engine over the contract store.
func NewEngine(atomic *storage.Store, contracts *contract.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nitpickEmpty := true
	if opts.NitpickEmptyCycles != nil {
		nitpickEmpty = *opts.NitpickEmptyCycles
	}
	return &Engine{
		atomic:             atomic,
		contracts:          contracts,
		logger:             logger,
		metrics:            opts.Metrics,
		nitpickEmptyCycles: nitpickEmpty,
	}
}

// Evaluate runs the triggers in order against the contract and the
// per-mutation signals. The first match returns a Trip; a nil Trip
// means the breaker stays armed. Evaluate itself mutates nothing.
func (e *Engine) Evaluate(c *contract.Contract, sig Signals, now time.Time) (*Trip, error) {
	if c.Breaker.Status == contract.BreakerTripped {
		// Already tripped; nothing further fires until reset.
		return nil, nil
	}

	sc, err := e.loadSidecar(c.TaskID)
	if err != nil {
		return nil, err
	}

	if c.Breaker.RebuttalCount > c.Limits.MaxRebuttals {
		return trip(TriggerRebuttalLimit, fmt.Sprintf("%d rebuttals exceed the cap of %d",
			c.Breaker.RebuttalCount, c.Limits.MaxRebuttals)), nil
	}
	if sig.DeletionRatio > MaxDeletionRatio {
		return trip(TriggerDestructiveDiff, fmt.Sprintf("accepted change deletes %.0f%% of the target",
			sig.DeletionRatio*100)), nil
	}
	if sig.LocalParadox {
		return trip(TriggerLogicalParadox,
			"judge and local reviewer contradict over identical content"), nil
	}
	if sig.CurrentHash != "" {
		for _, h := range c.Breaker.LastJudgeHashes {
			if h == sig.CurrentHash {
				return trip(TriggerHallucinationLoop, fmt.Sprintf("content hash %.12s was already failed by the judge",
					sig.CurrentHash)), nil
			}
		}
	}
	if sc.NitpickCycles >= NitpickCycleThreshold {
		return trip(TriggerNitpickLoop, fmt.Sprintf("%d consecutive review cycles with only style or empty findings",
			sc.NitpickCycles)), nil
	}
	if sig.StalledRole != "" && sc.StallStrikes[sig.StalledRole] >= StallStrikeLimit {
		return trip(TriggerInactivity, fmt.Sprintf("role %s stalled %d times",
			sig.StalledRole, sc.StallStrikes[sig.StalledRole])), nil
	}
	if c.Breaker.CostUSD >= c.Limits.CostCeilingUSD {
		return trip(TriggerBudget, fmt.Sprintf("spend $%.4f reached the ceiling $%.2f",
			c.Breaker.CostUSD, c.Limits.CostCeilingUSD)), nil
	}
	if c.Breaker.ScopeFileCount > MaxScopeFiles {
		return trip(TriggerScopeCreep, fmt.Sprintf("%d files touched, cap is %d",
			c.Breaker.ScopeFileCount, MaxScopeFiles)), nil
	}
	if sig.ScopeViolation {
		return trip(TriggerScopeCreep, "change touches a path outside allowed_paths"), nil
	}
	if c.Breaker.ReviewCycleCount > c.Limits.MaxReviewCycles {
		return trip(TriggerReviewCycleLimit, fmt.Sprintf("%d review cycles exceed the cap of %d",
			c.Breaker.ReviewCycleCount, c.Limits.MaxReviewCycles)), nil
	}
	if c.TimedOut(now) {
		return trip(TriggerGlobalTimeout, fmt.Sprintf("task alive %.1fh, budget is %.1fh",
			c.Age(now).Hours(), c.Limits.GlobalTimeoutHours)), nil
	}
	return nil, nil
}

func trip(t Trigger, detail string) *Trip {
	return &Trip{Trigger: t, Reason: t.String() + ": " + detail}
}

// RecordRebuttal counts one implementer rebuttal on the contract and
// mirrors it to the sidecar.
func (e *Engine) RecordRebuttal(c *contract.Contract) error {
	c.Breaker.RebuttalCount++
	return e.Sync(c)
}

// RecordReviewCycle counts one completed judge cycle. A nitpick cycle
// (style-only findings, or an empty issue set when the empty-cycle
// policy is on) extends the consecutive run; a substantive cycle
// resets it.
func (e *Engine) RecordReviewCycle(c *contract.Contract, styleOnly, empty bool) error {
	c.Breaker.ReviewCycleCount++

	sc, err := e.loadSidecar(c.TaskID)
	if err != nil {
		return err
	}
	nitpick := styleOnly || (empty && e.nitpickEmptyCycles)
	if nitpick {
		sc.NitpickCycles++
	} else {
		sc.NitpickCycles = 0
	}
	sc.syncFromContract(c)
	return e.saveSidecar(sc)
}

// RecordFailedHash remembers a content hash the judge rejected, for
// hallucination-loop detection. The window keeps the last few hashes.
func (e *Engine) RecordFailedHash(c *contract.Contract, hash string) error {
	if hash == "" {
		return e.Sync(c)
	}
	const window = 5
	c.Breaker.LastJudgeHashes = append(c.Breaker.LastJudgeHashes, hash)
	if len(c.Breaker.LastJudgeHashes) > window {
		c.Breaker.LastJudgeHashes = c.Breaker.LastJudgeHashes[len(c.Breaker.LastJudgeHashes)-window:]
	}
	return e.Sync(c)
}

// RecordStall counts one heartbeat stall for a role and returns the
// strike total. The first strike routes to a timeout status; the
// second trips trigger 6.
func (e *Engine) RecordStall(c *contract.Contract, role string) (int, error) {
	sc, err := e.loadSidecar(c.TaskID)
	if err != nil {
		return 0, err
	}
	if sc.StallStrikes == nil {
		sc.StallStrikes = make(map[string]int)
	}
	sc.StallStrikes[role]++
	strikes := sc.StallStrikes[role]
	sc.syncFromContract(c)
	if err := e.saveSidecar(sc); err != nil {
		return 0, err
	}
	return strikes, nil
}

// StallStrikes returns the recorded strike count for a role.
func (e *Engine) StallStrikes(taskID, role string) (int, error) {
	sc, err := e.loadSidecar(taskID)
	if err != nil {
		return 0, err
	}
	return sc.StallStrikes[role], nil
}

// Sync mirrors the contract's breaker counters into the sidecar.
// Called after every counter mutation so a crash between the contract
// write and the sidecar write loses at most one increment.
func (e *Engine) Sync(c *contract.Contract) error {
	sc, err := e.loadSidecar(c.TaskID)
	if err != nil {
		return err
	}
	sc.syncFromContract(c)
	return e.saveSidecar(sc)
}

// MarkTripped records the trip on the contract, emits the halt
// artifact, and mirrors the sidecar. The caller still owns the state
// transition to consultation.
func (e *Engine) MarkTripped(c *contract.Contract, t *Trip) error {
	c.Breaker.Status = contract.BreakerTripped
	c.Breaker.TriggeredBy = t.Label()

	if err := e.Sync(c); err != nil {
		return err
	}
	if err := e.WriteHalt(c, t); err != nil {
		return err
	}
	e.metrics.BreakerTripped(t.Label())
	e.logger.Warn("circuit breaker tripped",
		"task_id", c.TaskID,
		"trigger", t.Label(),
		"reason", t.Reason)
	return nil
}

// auditRecord is one NDJSON line appended for breaker lifecycle
// events that happen outside a state transition.
type auditRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	TaskID    string    `json:"task_id"`
	Reason    string    `json:"reason,omitempty"`
}

// Reset re-arms a tripped breaker: clears the trip marker, zeroes the
// loop counters that caused it, removes the halt artifact, and appends
// a reset record to the audit log. It is an operator API, not a state
// transition; putting the task back on the line is a separate step.
func (e *Engine) Reset(taskID, auditLogPath, operator string) error {
	c, err := e.contracts.Load(taskID)
	if err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	if c.Breaker.Status != contract.BreakerTripped {
		return fmt.Errorf("reset breaker: task %s is not tripped", taskID)
	}

	c.Breaker.Status = contract.BreakerArmed
	c.Breaker.TriggeredBy = ""
	c.Breaker.RebuttalCount = 0
	c.Breaker.ReviewCycleCount = 0
	c.Breaker.LastJudgeHashes = nil
	c.Touch(time.Now().UTC())
	if err := e.contracts.Save(c); err != nil {
		return err
	}

	sc, err := e.loadSidecar(taskID)
	if err != nil {
		return err
	}
	sc.NitpickCycles = 0
	sc.StallStrikes = make(map[string]int)
	sc.syncFromContract(c)
	if err := e.saveSidecar(sc); err != nil {
		return err
	}

	if err := e.RemoveHalt(); err != nil {
		return err
	}

	rec, err := json.Marshal(auditRecord{
		Timestamp: time.Now().UTC(),
		Event:     "breaker_reset",
		TaskID:    taskID,
		Reason:    "reset by " + operator,
	})
	if err != nil {
		return fmt.Errorf("marshal reset record: %w", err)
	}
	if err := e.atomic.Append(auditLogPath, rec); err != nil {
		return fmt.Errorf("audit breaker reset: %w", err)
	}

	e.logger.Info("circuit breaker reset", "task_id", taskID, "operator", operator)
	return nil
}

// OverrideBudget raises a task's cost ceiling. Guarded behind the
// budget-override switch at the CLI; the new ceiling must exceed the
// current spend or the budget trigger fires again immediately.
func (e *Engine) OverrideBudget(taskID string, newCeilingUSD float64) error {
	c, err := e.contracts.Load(taskID)
	if err != nil {
		return fmt.Errorf("override budget: %w", err)
	}
	if newCeilingUSD <= c.Breaker.CostUSD {
		return fmt.Errorf("override budget: new ceiling $%.2f does not exceed spend $%.4f",
			newCeilingUSD, c.Breaker.CostUSD)
	}
	c.Limits.CostCeilingUSD = newCeilingUSD
	c.Touch(time.Now().UTC())
	if err := e.contracts.Save(c); err != nil {
		return err
	}
	e.logger.Info("budget ceiling overridden",
		"task_id", taskID,
		"new_ceiling_usd", newCeilingUSD)
	return nil
}
