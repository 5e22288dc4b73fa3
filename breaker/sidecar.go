package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/storage"
)

// SidecarFileName mirrors the breaker counters beside the contract so
// they survive a crash that loses an in-flight contract write.
const SidecarFileName = "breaker_state.json"

// SidecarSchemaVersion is the current sidecar format.
const SidecarSchemaVersion = "1"

// Sidecar is the persisted counter mirror. It extends the contract's
// breaker block with state that has no contract field: the nitpick
// cycle run and the per-role stall strikes.
type Sidecar struct {
	SchemaVersion    string         `json:"schema_version"`
	TaskID           string         `json:"task_id"`
	RebuttalCount    int            `json:"rebuttal_count"`
	ReviewCycleCount int            `json:"review_cycle_count"`
	TokensUsed       int64          `json:"tokens_used"`
	CostUSD          float64        `json:"cost_usd"`
	ScopeFileCount   int            `json:"scope_file_count"`
	LastJudgeHashes  []string       `json:"last_judge_hashes,omitempty"`
	NitpickCycles    int            `json:"nitpick_cycles"`
	StallStrikes     map[string]int `json:"stall_strikes,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (e *Engine) sidecarPath(taskID string) string {
	return filepath.Join(e.contracts.ContractDir(taskID), SidecarFileName)
}

// loadSidecar reads a task's sidecar with the integrity discipline of
// the failure-loud rules: malformed JSON is backed up and
// reinitialized, a schema mismatch is migrated in place, and any other
// error propagates so start-up refuses rather than zeroing counters.
func (e *Engine) loadSidecar(taskID string) (*Sidecar, error) {
	path := e.sidecarPath(taskID)
	data, found, err := e.atomic.Read(path)
	if err != nil {
		return nil, fmt.Errorf("load breaker sidecar: %w", err)
	}
	if !found {
		return e.newSidecar(taskID), nil
	}

	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		backup, bakErr := e.atomic.BackupCorrupt(path)
		if bakErr != nil {
			return nil, fmt.Errorf("sidecar corrupt and backup failed: %w", errors.Join(err, bakErr))
		}
		e.logger.Warn("breaker sidecar corrupt, reinitializing",
			"task_id", taskID,
			"backup", backup,
			"error", err)
		return e.newSidecar(taskID), nil
	}

	if sc.SchemaVersion != SidecarSchemaVersion {
		migrated, err := migrateSidecar(&sc, taskID)
		if err != nil {
			return nil, err
		}
		e.logger.Info("migrated breaker sidecar",
			"task_id", taskID,
			"from", sc.SchemaVersion,
			"to", SidecarSchemaVersion)
		if err := e.saveSidecar(migrated); err != nil {
			return nil, err
		}
		return migrated, nil
	}
	return &sc, nil
}

func (e *Engine) newSidecar(taskID string) *Sidecar {
	return &Sidecar{
		SchemaVersion: SidecarSchemaVersion,
		TaskID:        taskID,
		StallStrikes:  make(map[string]int),
	}
}

// migrateSidecar upgrades older sidecar formats. Counters carry over
// verbatim; only structure changes between versions.
func migrateSidecar(old *Sidecar, taskID string) (*Sidecar, error) {
	switch old.SchemaVersion {
	case "", "0":
		next := *old
		next.SchemaVersion = SidecarSchemaVersion
		if next.TaskID == "" {
			next.TaskID = taskID
		}
		if next.StallStrikes == nil {
			next.StallStrikes = make(map[string]int)
		}
		return &next, nil
	default:
		return nil, &storage.SchemaMismatchError{
			Path: taskID + "/" + SidecarFileName,
			Got:  old.SchemaVersion,
			Want: SidecarSchemaVersion,
		}
	}
}

func (e *Engine) saveSidecar(sc *Sidecar) error {
	sc.UpdatedAt = time.Now().UTC()
	if err := e.atomic.WriteJSON(e.sidecarPath(sc.TaskID), sc); err != nil {
		return fmt.Errorf("persist breaker sidecar: %w", err)
	}
	return nil
}

// syncFromContract copies the contract's counters into the sidecar.
func (sc *Sidecar) syncFromContract(c *contract.Contract) {
	sc.RebuttalCount = c.Breaker.RebuttalCount
	sc.ReviewCycleCount = c.Breaker.ReviewCycleCount
	sc.TokensUsed = c.Breaker.TokensUsed
	sc.CostUSD = c.Breaker.CostUSD
	sc.ScopeFileCount = c.Breaker.ScopeFileCount
	sc.LastJudgeHashes = append([]string(nil), c.Breaker.LastJudgeHashes...)
}
