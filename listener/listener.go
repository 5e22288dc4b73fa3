// Package listener is the floor-manager daemon: one coordinator loop
// that polls the bus, converts proposals into contracts, gates sandbox
// drafts, drives worker runs through the broker, and sweeps for stalls
// and timeouts. There is exactly one coordinator per handoff directory.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/broker"
	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/checkpoint"
	"github.com/c360studio/semfloor/config"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/machine"
	"github.com/c360studio/semfloor/metrics"
	"github.com/c360studio/semfloor/model"
	"github.com/c360studio/semfloor/sandbox"
	"github.com/c360studio/semfloor/storage"
)

// ErrBusUnreachable wraps a failed bus connection at boot. The CLI
// maps it to exit code 3.
var ErrBusUnreachable = errors.New("bus unreachable")

// idleBackoffCap bounds adaptive poll back-off, in multiples of the
// poll interval. With the default 5s interval the idle cadence tops
// out at 30s.
const idleBackoffCap = 6

// Options wires the daemon's collaborators. Config, Bus, Atomic,
// Contracts, Machine, Breaker and Broker are required; Git, Gate,
// Sandbox, Pricing and Metrics are optional.
type Options struct {
	Config    *config.Config
	Bus       bus.Bus
	Atomic    *storage.Store
	Contracts *contract.Store
	Machine   *machine.Engine
	Breaker   *breaker.Engine
	Broker    broker.Broker

	// Gate and Sandbox handle draft submissions. Nil disables gating
	// (the daemon then only coordinates externally-gated tasks).
	Gate    *sandbox.Gate
	Sandbox *sandbox.Sandbox

	// Git checkpoints and merges task branches. Nil disables git
	// operations.
	Git *checkpoint.Runner

	// Pricing converts worker token counts to spend. Nil uses the
	// default fleet registry.
	Pricing *model.Registry

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// taskRun tracks one in-flight pipeline goroutine.
type taskRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Listener is the floor-manager daemon.
type Listener struct {
	cfg       *config.Config
	msgbus    bus.Bus
	atomic    *storage.Store
	contracts *contract.Store
	machine   *machine.Engine
	breaker   *breaker.Engine
	broker    broker.Broker
	gate      *sandbox.Gate
	sandbox   *sandbox.Sandbox
	git       *checkpoint.Runner
	pricing   *model.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	sequencer *contract.Sequencer
	now       func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	tasks    map[string]*taskRun
	struck   map[string]time.Time
	since    time.Time
	lastPoll time.Time

	// nudge wakes the poll loop ahead of its timer; the watcher and
	// dispatchers feed it. Buffered so senders never block.
	nudge chan struct{}

	watcher    *submissionWatcher
	metricsSrv *metrics.Server
}

// New builds the daemon. It does not touch the bus or the filesystem;
// that happens in Start.
func New(opts Options) (*Listener, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("listener: config is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("listener: bus is required")
	}
	if opts.Atomic == nil || opts.Contracts == nil {
		return nil, fmt.Errorf("listener: storage is required")
	}
	if opts.Machine == nil || opts.Breaker == nil {
		return nil, fmt.Errorf("listener: machine and breaker are required")
	}
	if opts.Broker == nil {
		return nil, fmt.Errorf("listener: broker is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pricing := opts.Pricing
	if pricing == nil {
		pricing = model.NewDefaultRegistry()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Listener{
		cfg:       opts.Config,
		msgbus:    opts.Bus,
		atomic:    opts.Atomic,
		contracts: opts.Contracts,
		machine:   opts.Machine,
		breaker:   opts.Breaker,
		broker:    opts.Broker,
		gate:      opts.Gate,
		sandbox:   opts.Sandbox,
		git:       opts.Git,
		pricing:   pricing,
		metrics:   opts.Metrics,
		logger:    logger,
		sequencer: contract.NewSequencer(opts.Atomic, opts.Contracts.Root()),
		now:       now,
		tasks:     make(map[string]*taskRun),
		struck:    make(map[string]time.Time),
		nudge:     make(chan struct{}, 1),
	}, nil
}

// Start connects the bus, recovers handoff state, and launches the
// poll loop, the heartbeat emitter, and the submission watcher. A
// failed bus connection returns ErrBusUnreachable.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("listener already started")
	}

	if err := l.msgbus.Connect(ctx, l.cfg.Agent.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBusUnreachable, err)
	}

	// Crash recovery: half-written temp files are garbage, in-flight
	// contracts go back on the line via the first sweep.
	if n, err := l.atomic.SweepTemp(l.cfg.Handoff.Dir); err != nil {
		l.logger.Warn("temp sweep failed", "error", err)
	} else if n > 0 {
		l.logger.Info("swept stale temp files", "count", n)
	}
	if ids, err := l.contracts.List(); err == nil && len(ids) > 0 {
		l.logger.Info("reloaded in-flight contracts", "count", len(ids))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.since = l.now()
	l.running = true

	l.metricsSrv = metrics.NewServer(l.cfg.Metrics.Addr, l.metrics, l.logger)
	l.metricsSrv.Start(runCtx)

	if l.sandbox != nil {
		w, err := newSubmissionWatcher(l.sandbox.Root(), l.nudge, l.logger)
		if err != nil {
			// Polling stays authoritative; the watcher is an accelerant.
			l.logger.Warn("submission watcher unavailable, polling only", "error", err)
		} else {
			l.watcher = w
			w.start(runCtx)
		}
	}

	go l.heartbeatLoop(runCtx)
	go func() {
		defer close(l.done)
		l.run(runCtx)
	}()

	l.logger.Info("listener started",
		"agent_id", l.cfg.Agent.ID,
		"handoff_dir", l.cfg.Handoff.Dir,
		"poll_interval_seconds", l.cfg.Agent.PollIntervalSeconds)

	// Stop polling when the caller's context dies too.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()
	return nil
}

// Stop cancels the loop and waits up to timeout for in-flight work to
// wind down.
func (l *Listener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	if l.watcher != nil {
		l.watcher.close()
	}

	select {
	case <-done:
		l.logger.Info("listener stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("listener did not stop within %s", timeout)
	}
}

// Health is the operator-facing liveness snapshot.
type Health struct {
	Running      bool      `json:"running"`
	ActiveTasks  int       `json:"active_tasks"`
	LastPoll     time.Time `json:"last_poll"`
	WatcherAlive bool      `json:"watcher_alive"`
	Halted       bool      `json:"halted"`
}

// Health reports the daemon's current state.
func (l *Listener) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Health{
		Running:      l.running,
		ActiveTasks:  len(l.tasks),
		LastPoll:     l.lastPoll,
		WatcherAlive: l.watcher != nil && l.watcher.alive(),
		Halted:       l.breaker.Halted(),
	}
}

// run is the coordinator loop: poll, dispatch, sweep, back off when
// idle. The nudge channel short-circuits the wait when a submission
// lands or a dispatcher wants an immediate sweep.
func (l *Listener) run(ctx context.Context) {
	base := time.Duration(l.cfg.Agent.PollIntervalSeconds) * time.Second
	interval := base
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.stopAllTasks()
			return
		case <-l.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			l.tick(ctx)
			interval = base
		case <-timer.C:
			if l.tick(ctx) {
				interval = base
			} else if interval < idleBackoffCap*base {
				interval *= 2
				if interval > idleBackoffCap*base {
					interval = idleBackoffCap * base
				}
			}
		}
		timer.Reset(interval)
	}
}

// tick performs one poll cycle. It returns true when there was work,
// which resets the idle back-off.
func (l *Listener) tick(ctx context.Context) bool {
	msgs, err := l.msgbus.Receive(ctx, l.cfg.Agent.ID, l.since)
	if err != nil {
		l.logger.Warn("bus receive failed", "error", err)
		return false
	}
	for i := range msgs {
		l.since = msgs[i].Timestamp
		l.dispatch(ctx, &msgs[i])
	}

	l.sweepStalls(ctx)
	busy := l.sweepTasks(ctx)

	l.mu.Lock()
	l.lastPoll = l.now()
	active := len(l.tasks)
	l.mu.Unlock()
	l.metrics.SetActiveTasks(active)

	return len(msgs) > 0 || busy
}

// sweepTasks puts every actionable contract on the line. Contracts
// already being driven by a pipeline goroutine are skipped; timed-out
// ones are halted here so a silent task cannot outlive its wall-clock
// budget between mutations.
func (l *Listener) sweepTasks(ctx context.Context) bool {
	ids, err := l.contracts.List()
	if err != nil {
		l.logger.Warn("contract list failed", "error", err)
		return false
	}

	busy := false
	for _, id := range ids {
		if l.isActive(id) {
			continue
		}
		c, err := l.contracts.Load(id)
		if err != nil {
			l.logger.Warn("contract load failed", "task_id", id, "error", err)
			continue
		}
		if c.Status.IsTerminal() || c.Breaker.Status == contract.BreakerTripped {
			continue
		}

		if c.TimedOut(l.now()) {
			l.enforceTimeout(ctx, c)
			continue
		}

		if actionable(c.Status) {
			l.startTask(ctx, id)
			busy = true
		}
	}
	return busy
}

// actionable reports whether the pipeline can advance a status on its
// own. Timeout and consultation states wait on the stall sweep or an
// operator.
func actionable(s contract.Status) bool {
	switch s {
	case contract.StatusPendingImplementer,
		contract.StatusImplementationInProgress,
		contract.StatusPendingLocalReview,
		contract.StatusPendingJudgeReview,
		contract.StatusJudgeReviewInProgress,
		contract.StatusPendingRebuttal,
		contract.StatusReviewComplete:
		return true
	default:
		return false
	}
}

// enforceTimeout trips the global-timeout trigger outside a worker
// mutation.
func (l *Listener) enforceTimeout(ctx context.Context, c *contract.Contract) {
	trip, err := l.breaker.Evaluate(c, breaker.Signals{}, l.now())
	if err != nil || trip == nil {
		return
	}
	l.tripBreaker(ctx, c.TaskID, trip)
}

// tripBreaker marks the trip and forces the consultation transition in
// one lease hold.
func (l *Listener) tripBreaker(ctx context.Context, taskID string, trip *breaker.Trip) {
	_, err := l.machine.Apply(ctx, taskID, machine.EventBreakerTripped, machine.ApplyOptions{
		Reason: trip.Reason,
		Mutate: func(c *contract.Contract) error {
			return l.breaker.MarkTripped(c, trip)
		},
	})
	if err != nil {
		l.logger.Error("breaker trip transition failed", "task_id", taskID, "error", err)
	}
}

// startTask launches the pipeline goroutine for one task. No-op when
// one is already running.
func (l *Listener) startTask(ctx context.Context, taskID string) {
	l.mu.Lock()
	if _, ok := l.tasks[taskID]; ok {
		l.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	run := &taskRun{cancel: cancel, done: make(chan struct{})}
	l.tasks[taskID] = run
	l.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(run.done)
			l.mu.Lock()
			delete(l.tasks, taskID)
			l.mu.Unlock()
			l.requestSweep()
		}()
		l.advance(taskCtx, taskID)
	}()
}

// stopTask cancels a task's pipeline. Takes effect within one poll
// cycle; the broker tears the worker subprocess down on the way out.
// The contract is then parked in consultation so the sweep does not
// quietly put the stopped task back on the line.
func (l *Listener) stopTask(taskID, reason string) {
	l.mu.Lock()
	run, ok := l.tasks[taskID]
	l.mu.Unlock()
	if !ok {
		l.logger.Info("stop requested for idle task", "task_id", taskID, "reason", reason)
		return
	}
	l.logger.Info("stopping task", "task_id", taskID, "reason", reason)
	run.cancel()
	go l.confirmStopped(taskID, reason, run.done)
}

// confirmStopped waits for a stopped pipeline to wind down, bounded by
// the worker grace window, then forces the contract to consultation.
// A teardown that outlives the grace window is reported as such.
func (l *Listener) confirmStopped(taskID, reason string, done <-chan struct{}) {
	grace := time.Duration(l.cfg.Worker.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	detail := "stopped by operator"
	select {
	case <-done:
	case <-time.After(grace):
		detail = fmt.Sprintf("worker teardown exceeded the %s grace window", grace)
	}
	if reason != "" {
		detail += ": " + reason
	}

	c, err := l.contracts.Load(taskID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("contract load after stop failed", "task_id", taskID, "error", err)
		}
		return
	}
	if c.Status.IsTerminal() || c.Breaker.Status == contract.BreakerTripped {
		return
	}
	l.tripBreaker(context.Background(), taskID, &breaker.Trip{
		TriggeredBy: "operator: STOP_TASK",
		Reason:      detail,
	})
}

func (l *Listener) stopAllTasks() {
	l.mu.Lock()
	runs := make([]*taskRun, 0, len(l.tasks))
	for _, run := range l.tasks {
		runs = append(runs, run)
	}
	l.mu.Unlock()
	for _, run := range runs {
		run.cancel()
		<-run.done
	}
}

func (l *Listener) isActive(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tasks[taskID]
	return ok
}

// requestSweep wakes the loop without waiting for the poll timer.
func (l *Listener) requestSweep() {
	select {
	case l.nudge <- struct{}{}:
	default:
	}
}

// heartbeatLoop reports the daemon's own liveness on the agent's
// cadence, naming the busiest task and its phase.
func (l *Listener) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(l.cfg.Agent.HeartbeatIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.beat(ctx)
		}
	}
}

func (l *Listener) beat(ctx context.Context) {
	if err := l.msgbus.Heartbeat(ctx, l.cfg.Agent.ID, l.progress()); err != nil {
		l.logger.Warn("heartbeat failed", "error", err)
	}
}

// progress renders the heartbeat's progress field: the first active
// task and its phase, or idle.
func (l *Listener) progress() string {
	l.mu.Lock()
	active := make([]string, 0, len(l.tasks))
	for id := range l.tasks {
		active = append(active, id)
	}
	l.mu.Unlock()

	if len(active) == 0 {
		return "idle"
	}
	id := active[0]
	phase := "unknown"
	if c, err := l.contracts.Load(id); err == nil {
		phase = string(c.Status)
	}
	if len(active) > 1 {
		return fmt.Sprintf("task=%s phase=%s (+%d more)", id, phase, len(active)-1)
	}
	return fmt.Sprintf("task=%s phase=%s", id, phase)
}
