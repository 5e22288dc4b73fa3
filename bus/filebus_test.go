package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/semfloor/storage"
)

func TestFileBusPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := storage.NewStore(storage.Options{})

	first := NewFileBus(store, dir, nil)
	if err := first.Connect(ctx, "implementer"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	msg, _ := NewMessage(MsgStopTask, "orchestrator", "implementer", StopTaskPayload{
		TaskID: "DEMO-001-WIDGET",
		Reason: "operator cancel",
	})
	id, err := first.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := first.Heartbeat(ctx, "implementer", "stopping"); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	first.Close()

	// A new bus over the same directory sees everything.
	second := NewFileBus(store, dir, nil)
	got, err := second.Receive(ctx, "implementer", time.Time{})
	if err != nil {
		t.Fatalf("Receive after restart failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("message lost across restart: %+v", got)
	}
	agents, err := second.ListAgents(ctx)
	if err != nil || len(agents) != 1 {
		t.Fatalf("agent registry lost: %v %+v", err, agents)
	}
	beats, err := second.Heartbeats(ctx)
	if err != nil || beats["implementer"].Progress != "stopping" {
		t.Fatalf("heartbeat table lost: %v %+v", err, beats)
	}
}

func TestFileBusSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := NewFileBus(storage.NewStore(storage.Options{}), dir, nil)

	good, _ := NewMessage(MsgDraftReady, "implementer", "orchestrator", DraftReadyPayload{
		TaskID: "DEMO-002-GADGET",
	})
	if _, err := b.Send(ctx, good); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Simulate a torn append from a crash.
	f, err := os.OpenFile(filepath.Join(dir, "messages.ndjson"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"id":"torn","type":"DRAFT_R`); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	all, err := b.AllMessages(ctx)
	if err != nil {
		t.Fatalf("AllMessages failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d messages, want 1 (torn record skipped): %+v", len(all), all)
	}

	// The log keeps accepting appends after the torn record.
	another, _ := NewMessage(MsgDraftAccepted, "orchestrator", "implementer", DraftDecisionPayload{
		TaskID:   "DEMO-002-GADGET",
		Decision: "ACCEPT",
		Reason:   "all checks passed",
	})
	if _, err := b.Send(ctx, another); err != nil {
		t.Fatalf("Send after torn record failed: %v", err)
	}
	all, err = b.AllMessages(ctx)
	if err != nil {
		t.Fatalf("AllMessages failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d messages, want 2", len(all))
	}
}

func TestFileBusAssignsMonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBus(t)

	var last time.Time
	for i := 0; i < 50; i++ {
		msg, _ := NewMessage(MsgReviewNeeded, "orchestrator", "judge", ReviewNeededPayload{
			TaskID: "DEMO-003-BURST",
			Phase:  "local",
		})
		if _, err := b.Send(ctx, msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	all, err := b.AllMessages(ctx)
	if err != nil {
		t.Fatalf("AllMessages failed: %v", err)
	}
	if len(all) != 50 {
		t.Fatalf("got %d messages, want 50", len(all))
	}
	for i, msg := range all {
		if !msg.Timestamp.After(last) {
			t.Fatalf("message %d timestamp %v not after %v", i, msg.Timestamp, last)
		}
		last = msg.Timestamp
	}
}

func TestFileBusSecondWriterBeatsPersistedStamps(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := storage.NewStore(storage.Options{})
	daemon := NewFileBus(store, dir, nil)
	cli := NewFileBus(store, dir, nil)

	stamp := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	first, _ := NewMessage(MsgReviewNeeded, "orchestrator", "judge", ReviewNeededPayload{
		TaskID: "DEMO-005-CLASH",
		Phase:  "judge",
	})
	first.Timestamp = stamp
	if _, err := daemon.Send(ctx, first); err != nil {
		t.Fatalf("daemon Send failed: %v", err)
	}

	// The second writer has no in-process memory of the first stamp and
	// mints the same instant. The persisted log must still win.
	second, _ := NewMessage(MsgStopTask, "orchestrator_cli", "judge", StopTaskPayload{
		TaskID: "DEMO-005-CLASH",
	})
	second.Timestamp = stamp
	id, err := cli.Send(ctx, second)
	if err != nil {
		t.Fatalf("cli Send failed: %v", err)
	}

	// A consumer that advanced past the first message still sees the
	// second one.
	got, err := daemon.Receive(ctx, "judge", stamp)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("second writer's message skipped: %+v", got)
	}
	if !got[0].Timestamp.After(stamp) {
		t.Fatalf("timestamp %v not after the persisted %v", got[0].Timestamp, stamp)
	}
}

func TestFileBusPreservesCallerID(t *testing.T) {
	ctx := context.Background()
	b := newTestFileBus(t)

	msg, _ := NewMessage(MsgVerdictSignal, "judge", "orchestrator", VerdictSignalPayload{
		TaskID:  "DEMO-004-RULING",
		Verdict: "PASS",
	})
	msg.ID = "fixed-id-1"
	id, err := b.Send(ctx, msg)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "fixed-id-1" {
		t.Errorf("Send rewrote caller id: %q", id)
	}
}
