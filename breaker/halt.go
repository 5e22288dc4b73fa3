package breaker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360studio/semfloor/contract"
)

// Halt and stall artifact names, written at the handoff root.
const (
	HaltFileName        = "ERIK_HALT.md"
	StallReportFileName = "STALL_REPORT.md"
	HaltSnapshotName    = "HALT_SNAPSHOT.json"
)

// HaltPath returns where the halt artifact lives.
func (e *Engine) HaltPath() string {
	return filepath.Join(e.contracts.Root(), HaltFileName)
}

// Halted reports whether a halt artifact is present.
func (e *Engine) Halted() bool {
	_, err := os.Stat(e.HaltPath())
	return err == nil
}

// WriteHalt emits the halt artifact: task id, the matched trigger, and
// a frozen contract snapshot beside the contract. Automation reads the
// file's existence as "stop"; a human reads its contents.
func (e *Engine) WriteHalt(c *contract.Contract, t *Trip) error {
	snapshot, err := e.contracts.Snapshot(c, HaltSnapshotName)
	if err != nil {
		return fmt.Errorf("snapshot halted contract: %w", err)
	}

	var b strings.Builder
	b.WriteString("# ERIK HALT\n\n")
	b.WriteString("Automation is stopped. A human must review before any further progress.\n\n")
	fmt.Fprintf(&b, "- Task: `%s`\n", c.TaskID)
	fmt.Fprintf(&b, "- Trigger: %s\n", t.Label())
	fmt.Fprintf(&b, "- Reason: %s\n", t.Reason)
	fmt.Fprintf(&b, "- Status: %s\n", c.Status)
	fmt.Fprintf(&b, "- Spend: $%.4f of $%.2f\n", c.Breaker.CostUSD, c.Limits.CostCeilingUSD)
	fmt.Fprintf(&b, "- Halted at: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Contract snapshot: `%s`\n\n", snapshot)
	fmt.Fprintf(&b, "Clear with `semfloor reset %s` after resolving the cause.\n", c.TaskID)

	if err := e.atomic.Write(e.HaltPath(), []byte(b.String())); err != nil {
		return fmt.Errorf("write halt artifact: %w", err)
	}
	return nil
}

// RemoveHalt deletes the halt artifact. Absence is not an error so
// reset stays idempotent.
func (e *Engine) RemoveHalt() error {
	if err := os.Remove(e.HaltPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove halt artifact: %w", err)
	}
	return nil
}

// WriteStallReport emits the stall report on a second-strike stall:
// which role went quiet, when, and what the task looked like.
func (e *Engine) WriteStallReport(c *contract.Contract, role string, lastBeat time.Time, strikes int) (string, error) {
	var b strings.Builder
	b.WriteString("# Stall Report\n\n")
	fmt.Fprintf(&b, "- Task: `%s`\n", c.TaskID)
	fmt.Fprintf(&b, "- Role: %s\n", role)
	fmt.Fprintf(&b, "- Strikes: %d\n", strikes)
	if !lastBeat.IsZero() {
		fmt.Fprintf(&b, "- Last heartbeat: %s\n", lastBeat.UTC().Format(time.RFC3339))
	} else {
		b.WriteString("- Last heartbeat: never\n")
	}
	fmt.Fprintf(&b, "- Status at stall: %s\n", c.Status)
	fmt.Fprintf(&b, "- Reported at: %s\n", time.Now().UTC().Format(time.RFC3339))

	path := filepath.Join(e.contracts.Root(), StallReportFileName)
	if err := e.atomic.Write(path, []byte(b.String())); err != nil {
		return "", fmt.Errorf("write stall report: %w", err)
	}
	return path, nil
}
