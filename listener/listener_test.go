package listener

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/broker"
	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/config"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/machine"
	"github.com/c360studio/semfloor/sandbox"
	"github.com/c360studio/semfloor/storage"
)

// fakeBroker scripts worker behavior per test.
type fakeBroker struct {
	mu             sync.Mutex
	implementCalls int
	judgeCalls     int

	implement func(ctx context.Context, c *contract.Contract, call int) (*broker.ImplementResult, error)
	review    func(ctx context.Context, c *contract.Contract) (*broker.ReviewResult, error)
	judge     func(ctx context.Context, c *contract.Contract, call int) (*broker.JudgeResult, error)
	resolve   func(ctx context.Context, c *contract.Contract) (*broker.ConflictRuling, error)
}

func (f *fakeBroker) RunImplementer(ctx context.Context, c *contract.Contract) (*broker.ImplementResult, error) {
	f.mu.Lock()
	f.implementCalls++
	call := f.implementCalls
	f.mu.Unlock()
	if f.implement == nil {
		return &broker.ImplementResult{}, nil
	}
	return f.implement(ctx, c, call)
}

func (f *fakeBroker) RunLocalReview(ctx context.Context, c *contract.Contract) (*broker.ReviewResult, error) {
	if f.review == nil {
		return &broker.ReviewResult{Passed: true}, nil
	}
	return f.review(ctx, c)
}

func (f *fakeBroker) RunJudge(ctx context.Context, c *contract.Contract) (*broker.JudgeResult, error) {
	f.mu.Lock()
	f.judgeCalls++
	call := f.judgeCalls
	f.mu.Unlock()
	if f.judge == nil {
		return &broker.JudgeResult{Verdict: contract.VerdictPass}, nil
	}
	return f.judge(ctx, c, call)
}

func (f *fakeBroker) ValidateProposal(_ context.Context, _ []byte) (*broker.ProposalCheck, error) {
	return &broker.ProposalCheck{Valid: true}, nil
}

func (f *fakeBroker) ResolveConflict(ctx context.Context, c *contract.Contract, _, _ string) (*broker.ConflictRuling, error) {
	if f.resolve == nil {
		return &broker.ConflictRuling{Side: "judge", Recommendation: "address the findings"}, nil
	}
	return f.resolve(ctx, c)
}

// testClock is a mutable clock shared with the listener under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	ws        string
	handoff   string
	atomic    *storage.Store
	contracts *contract.Store
	brk       *breaker.Engine
	eng       *machine.Engine
	sb        *sandbox.Sandbox
	fb        *bus.FileBus
	worker    *fakeBroker
	clock     *testClock
	l         *Listener
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws := t.TempDir()
	handoff := filepath.Join(ws, "handoff")

	atomic := storage.NewStore(storage.Options{})
	contracts := contract.NewStore(atomic, handoff)
	brk := breaker.NewEngine(atomic, contracts, breaker.Options{})
	eng := machine.NewEngine(atomic, contracts, brk, machine.Options{})

	sb, err := sandbox.New(atomic, handoff, ws, nil)
	require.NoError(t, err)

	fb := bus.NewFileBus(atomic, filepath.Join(handoff, "bus"), nil)
	gate := sandbox.NewGate(sb, atomic, fb, sandbox.GateOptions{
		AuditLogPath: filepath.Join(handoff, machine.AuditLogFileName),
	})

	cfg := config.DefaultConfig()
	cfg.Handoff.Dir = handoff
	cfg.Repo.Path = ws

	worker := &fakeBroker{}
	clock := &testClock{t: time.Now().UTC()}

	l, err := New(Options{
		Config:    cfg,
		Bus:       fb,
		Atomic:    atomic,
		Contracts: contracts,
		Machine:   eng,
		Breaker:   brk,
		Broker:    worker,
		Gate:      gate,
		Sandbox:   sb,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	require.NoError(t, fb.Connect(context.Background(), cfg.Agent.ID))

	return &fixture{
		ws: ws, handoff: handoff,
		atomic: atomic, contracts: contracts,
		brk: brk, eng: eng, sb: sb, fb: fb,
		worker: worker, clock: clock, l: l,
	}
}

// newTask materializes a pending contract over a real target file.
func (f *fixture) newTask(t *testing.T, seq int) *contract.Contract {
	t.Helper()
	target := filepath.Join(f.ws, "src", "app.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("package app\n\nfunc Run() {}\n"), 0o644))

	p := &contract.Proposal{
		Project:      "VER",
		Title:        "tidy the runner",
		Complexity:   contract.ComplexityMinor,
		TargetFile:   "src/app.go",
		Requirements: []string{"make Run return an error"},
		AllowedPaths: []string{"src/**"},
	}
	c, err := contract.New(p, contract.NewOptions{
		TaskID:        contract.NewTaskID("VER", seq, p.EffectiveSlug()),
		WorkspaceRoot: f.ws,
		Now:           f.clock.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, f.contracts.Save(c))
	return c
}

// submitDraft plays the implementer: stages a draft for the task's
// target and submits it.
func (f *fixture) submitDraft(t *testing.T, taskID, content string) {
	t.Helper()
	original := filepath.Join(f.ws, "src", "app.go")
	info, err := f.sb.RequestDraft(original, taskID)
	require.NoError(t, err)
	_, err = f.sb.WriteDraft(info.DraftPath, []byte(content))
	require.NoError(t, err)
	_, err = f.sb.SubmitDraft(info.DraftPath, original, taskID, "tidy")
	require.NoError(t, err)
}

// archived loads a merged task's contract from the archive.
func (f *fixture) archived(t *testing.T, taskID string) *contract.Contract {
	t.Helper()
	var c contract.Contract
	found, err := f.atomic.ReadJSON(
		filepath.Join(f.contracts.ArchiveDir(taskID), contract.ContractFileName), &c)
	require.NoError(t, err)
	require.True(t, found, "archived contract must exist")
	return &c
}

func TestAnswerIndex(t *testing.T) {
	tests := []struct {
		policy  string
		options int
		want    int
	}{
		{"first", 4, 0},
		{"", 3, 0},
		{"index:2", 4, 2},
		{"index:9", 2, 1},
		{"index:bogus", 3, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, answerIndex(tt.policy, tt.options), "policy %q", tt.policy)
	}
}

func TestAnswerQuestion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.fb.Connect(ctx, "erik"))

	question, err := bus.NewMessage(bus.MsgQuestion, "erik", "floor_manager", bus.QuestionPayload{
		QuestionID: "q-1",
		Text:       "which base branch?",
		Options:    []string{"main", "develop", "release"},
	})
	require.NoError(t, err)
	_, err = f.fb.Send(ctx, question)
	require.NoError(t, err)

	f.l.cfg.Question.AnswerPolicy = "index:1"
	f.l.answerQuestion(ctx, &question)

	msgs, err := f.fb.Receive(ctx, "erik", time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.MsgAnswer, msgs[0].Type)

	var a bus.AnswerPayload
	require.NoError(t, msgs[0].Decode(&a))
	assert.Equal(t, "q-1", a.QuestionID)
	assert.Equal(t, 1, a.SelectedOption)
}

func TestHandleProposalCreatesContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	target := filepath.Join(f.ws, "src", "app.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("package app\n"), 0o644))

	proposal := filepath.Join(f.ws, "proposal.yaml")
	require.NoError(t, os.WriteFile(proposal, []byte(`
project: ver
title: Tidy the runner
complexity: minor
target_file: src/app.go
requirements:
  - make Run return an error
allowed_paths:
  - "src/**"
`), 0o644))

	f.l.handleProposal(ctx, proposal)

	ids, err := f.contracts.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Contains(t, ids[0], "VER-001-")

	// The pipeline goroutine runs the (empty) implementer and parks.
	require.Eventually(t, func() bool {
		return f.l.Health().ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond)

	c, err := f.contracts.Load(ids[0])
	require.NoError(t, err)
	assert.Equal(t, contract.StatusImplementationInProgress, c.Status)
}

func TestHandleProposalRejectsInvalid(t *testing.T) {
	f := newFixture(t)

	proposal := filepath.Join(f.ws, "bad.yaml")
	require.NoError(t, os.WriteFile(proposal, []byte("title: no project or target\n"), 0o644))

	f.l.handleProposal(context.Background(), proposal)

	ids, err := f.contracts.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	rejection, err := os.ReadFile(filepath.Join(f.handoff, contract.RejectionFileName))
	require.NoError(t, err)
	assert.Contains(t, string(rejection), "project is required")
	assert.Contains(t, string(rejection), "complexity is required")
}

func TestConfiguredLimitDefaultsReachContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.l.cfg.Limits = config.LimitsConfig{
		MaxRebuttalsDefault:       4,
		MaxReviewCyclesDefault:    6,
		CostCeilingUSDDefault:     9.5,
		GlobalTimeoutHoursDefault: 12,
	}

	target := filepath.Join(f.ws, "src", "app.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("package app\n"), 0o644))

	proposal := filepath.Join(f.ws, "proposal.yaml")
	require.NoError(t, os.WriteFile(proposal, []byte(`
project: ver
title: Raise the ceilings
complexity: minor
target_file: src/app.go
requirements:
  - make Run return an error
allowed_paths:
  - "src/**"
`), 0o644))

	f.l.handleProposal(ctx, proposal)
	require.Eventually(t, func() bool {
		return f.l.Health().ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond)

	ids, err := f.contracts.List()
	require.NoError(t, err)
	require.Len(t, ids, 1)

	c, err := f.contracts.Load(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 4, c.Limits.MaxRebuttals)
	assert.Equal(t, 6, c.Limits.MaxReviewCycles)
	assert.Equal(t, 9.5, c.Limits.CostCeilingUSD)
	assert.Equal(t, 12.0, c.Limits.GlobalTimeoutHours)
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 1)

	f.worker.implement = func(_ context.Context, cc *contract.Contract, _ int) (*broker.ImplementResult, error) {
		f.submitDraft(t, cc.TaskID, "package app\n\nfunc Run() error { return nil }\n")
		return &broker.ImplementResult{Submissions: []string{cc.TaskID}, TokensUsed: 1000}, nil
	}

	f.l.advance(ctx, c.TaskID)

	// Merged tasks leave the active store for the archive.
	_, err := f.contracts.Load(c.TaskID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	final := f.archived(t, c.TaskID)
	assert.Equal(t, contract.StatusMerged, final.Status)
	assert.Greater(t, final.Breaker.CostUSD, 0.0, "implementer tokens must be billed")
	assert.Equal(t, 1, final.Breaker.ReviewCycleCount)
	assert.Equal(t, []string{"src/app.go"}, final.HandoffData.ChangedFiles)

	events := make([]string, 0, len(final.History))
	for _, h := range final.History {
		events = append(events, h.Event)
	}
	assert.Equal(t, []string{
		"impl_started", "draft_accepted", "local_pass",
		"review_started", "verdict_pass", "merge_ok",
	}, events)

	// The real tree received the draft.
	data, err := os.ReadFile(filepath.Join(f.ws, "src", "app.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "func Run() error")
}

func TestJudgeFailEntersRebuttalLoopThenMerges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 2)

	f.worker.implement = func(_ context.Context, cc *contract.Contract, call int) (*broker.ImplementResult, error) {
		content := fmt.Sprintf("package app\n\n// revision %d\nfunc Run() error { return nil }\n", call)
		f.submitDraft(t, cc.TaskID, content)
		return &broker.ImplementResult{TokensUsed: 500}, nil
	}
	f.worker.judge = func(_ context.Context, _ *contract.Contract, call int) (*broker.JudgeResult, error) {
		if call == 1 {
			return &broker.JudgeResult{
				Verdict:        contract.VerdictFail,
				BlockingIssues: []string{"error path is untested"},
				TokensUsed:     800,
			}, nil
		}
		return &broker.JudgeResult{Verdict: contract.VerdictPass, TokensUsed: 800}, nil
	}

	f.l.advance(ctx, c.TaskID)

	final := f.archived(t, c.TaskID)
	assert.Equal(t, contract.StatusMerged, final.Status)
	assert.Equal(t, 1, final.Breaker.RebuttalCount)
	assert.Equal(t, 2, final.Breaker.ReviewCycleCount)

	events := make([]string, 0, len(final.History))
	for _, h := range final.History {
		events = append(events, h.Event)
	}
	assert.Contains(t, events, "fail_with_cycles_left")
	assert.Contains(t, events, "rebuttal_resolved")
}

func TestRepeatedFailOverLocalPassTripsParadox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 10)

	// The implementer resubmits the identical draft every round, the
	// local reviewer keeps passing it, and the judge keeps failing it.
	// The second FAIL over the same content is a reviewer contradiction.
	f.worker.implement = func(_ context.Context, cc *contract.Contract, _ int) (*broker.ImplementResult, error) {
		f.submitDraft(t, cc.TaskID, "package app\n\nfunc Run() error { return nil }\n")
		return &broker.ImplementResult{}, nil
	}
	f.worker.judge = func(_ context.Context, _ *contract.Contract, call int) (*broker.JudgeResult, error) {
		return &broker.JudgeResult{
			Verdict:        contract.VerdictFail,
			BlockingIssues: []string{"Run must propagate the context"},
			ContentHash:    fmt.Sprintf("judge-report-%d", call),
			TokensUsed:     400,
		}, nil
	}

	f.l.advance(ctx, c.TaskID)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusErikConsultation, loaded.Status)
	assert.Equal(t, contract.BreakerTripped, loaded.Breaker.Status)
	assert.Equal(t, "Trigger 3: Logical Paradox", loaded.Breaker.TriggeredBy)
	assert.Equal(t, 2, loaded.Breaker.ReviewCycleCount, "the contradiction needs two cycles, not the cycle cap")
	assert.True(t, f.brk.Halted())
}

func TestVerdictSignalWhileIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 3)

	// Drive the task to the judge, then have the broker's judge fail
	// with a transport error so the pipeline parks mid-review.
	f.worker.implement = func(_ context.Context, cc *contract.Contract, _ int) (*broker.ImplementResult, error) {
		f.submitDraft(t, cc.TaskID, "package app\n\nfunc Run() error { return nil }\n")
		return &broker.ImplementResult{}, nil
	}
	f.worker.judge = func(_ context.Context, _ *contract.Contract, _ int) (*broker.JudgeResult, error) {
		return nil, &broker.Error{Op: broker.OpJudge, Err: errors.New("bridge down")}
	}
	f.l.advance(ctx, c.TaskID)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	require.Equal(t, contract.StatusJudgeReviewInProgress, loaded.Status)

	signal, err := bus.NewMessage(bus.MsgVerdictSignal, "judge", "floor_manager", bus.VerdictSignalPayload{
		TaskID:  c.TaskID,
		Verdict: "PASS",
	})
	require.NoError(t, err)
	f.l.handleVerdictSignal(ctx, &signal)

	loaded, err = f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusReviewComplete, loaded.Status)
}

func TestStallSweepTwoStrikesHalts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 4)

	// No implementer heartbeat at all; silence is measured from the
	// contract's last update.
	f.clock.Advance(10 * time.Minute)
	f.l.sweepStalls(ctx)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusPendingImplementer, loaded.Status, "first strike retries")
	strikes, err := f.brk.StallStrikes(c.TaskID, "implementer")
	require.NoError(t, err)
	assert.Equal(t, 1, strikes)

	f.clock.Advance(10 * time.Minute)
	f.l.sweepStalls(ctx)

	loaded, err = f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusErikConsultation, loaded.Status)
	assert.Equal(t, contract.BreakerTripped, loaded.Breaker.Status)
	assert.Equal(t, "Trigger 6: Inactivity", loaded.Breaker.TriggeredBy)

	report, err := os.ReadFile(filepath.Join(f.handoff, breaker.StallReportFileName))
	require.NoError(t, err)
	assert.Contains(t, string(report), c.TaskID)
	assert.True(t, f.brk.Halted(), "halt artifact must exist")
}

func TestStallSweepStrikesOncePerSilence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 5)

	f.clock.Advance(10 * time.Minute)
	f.l.sweepStalls(ctx)
	f.l.sweepStalls(ctx)

	// The second sweep saw the same silence and must not double-strike.
	strikes, err := f.brk.StallStrikes(c.TaskID, "implementer")
	require.NoError(t, err)
	assert.Equal(t, 1, strikes)
}

func TestGlobalTimeoutSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 6)

	age := time.Duration(c.Limits.GlobalTimeoutHours*float64(time.Hour)) + time.Hour
	f.clock.Advance(age)
	f.l.sweepTasks(ctx)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusErikConsultation, loaded.Status)
	assert.Equal(t, "Trigger 10: Global Timeout", loaded.Breaker.TriggeredBy)
}

func TestStopTaskCancelsPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 7)

	started := make(chan struct{})
	f.worker.implement = func(runCtx context.Context, _ *contract.Contract, _ int) (*broker.ImplementResult, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	}

	f.l.startTask(ctx, c.TaskID)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("implementer never started")
	}

	f.l.stopTask(c.TaskID, "operator requested")
	require.Eventually(t, func() bool {
		return f.l.Health().ActiveTasks == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopTaskParksContractInConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 11)

	started := make(chan struct{})
	f.worker.implement = func(runCtx context.Context, _ *contract.Contract, _ int) (*broker.ImplementResult, error) {
		close(started)
		<-runCtx.Done()
		return nil, runCtx.Err()
	}

	f.l.startTask(ctx, c.TaskID)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("implementer never started")
	}

	// A stopped task must not drift back onto the line at the next
	// sweep; it waits for an operator.
	f.l.stopTask(c.TaskID, "wrong branch targeted")
	require.Eventually(t, func() bool {
		loaded, err := f.contracts.Load(c.TaskID)
		return err == nil && loaded.Status == contract.StatusErikConsultation
	}, 5*time.Second, 10*time.Millisecond)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.BreakerTripped, loaded.Breaker.Status)
	assert.Equal(t, "operator: STOP_TASK", loaded.Breaker.TriggeredBy)
	assert.True(t, f.brk.Halted())
	assert.False(t, f.l.sweepTasks(ctx), "sweep must leave the stopped task parked")
}

func TestCriticalHaltVerdictForcesConsultation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newTask(t, 8)

	f.worker.implement = func(_ context.Context, cc *contract.Contract, _ int) (*broker.ImplementResult, error) {
		f.submitDraft(t, cc.TaskID, "package app\n\nfunc Run() error { return nil }\n")
		return &broker.ImplementResult{}, nil
	}
	f.worker.judge = func(_ context.Context, _ *contract.Contract, _ int) (*broker.JudgeResult, error) {
		return &broker.JudgeResult{
			Verdict:        contract.VerdictCriticalHalt,
			BlockingIssues: []string{"change deletes the auth check"},
		}, nil
	}

	f.l.advance(ctx, c.TaskID)

	loaded, err := f.contracts.Load(c.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusErikConsultation, loaded.Status)
	assert.Equal(t, contract.BreakerTripped, loaded.Breaker.Status)
	assert.Equal(t, "judge: CRITICAL_HALT", loaded.Breaker.TriggeredBy)

	// The halt is visible to a daemon restart, not just the contract.
	require.True(t, f.brk.Halted(), "halt artifact must exist")
	halt, err := os.ReadFile(f.brk.HaltPath())
	require.NoError(t, err)
	assert.Contains(t, string(halt), "judge: CRITICAL_HALT")
	assert.Contains(t, string(halt), c.TaskID)
	_, err = os.Stat(filepath.Join(f.contracts.ContractDir(c.TaskID), breaker.HaltSnapshotName))
	assert.NoError(t, err)
}

func TestSubmissionWatcherNudges(t *testing.T) {
	f := newFixture(t)
	nudge := make(chan struct{}, 1)

	w, err := newSubmissionWatcher(f.sb.Root(), nudge, f.l.logger)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.start(ctx)
	defer w.close()

	c := f.newTask(t, 9)
	f.submitDraft(t, c.TaskID, "package app\n\nfunc Run() error { return nil }\n")

	select {
	case <-nudge:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never nudged after a submission landed")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
