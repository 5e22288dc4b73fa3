package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/c360studio/semfloor/contract"
)

// Subprocess lifecycle defaults.
const (
	// DefaultHardTimeout bounds one worker run when the contract does
	// not carry a tighter limit.
	DefaultHardTimeout = 30 * time.Minute

	// DefaultGrace is how long a worker gets between SIGTERM and
	// SIGKILL.
	DefaultGrace = 10 * time.Second

	// stderrTail is how much worker stderr is kept for error reports.
	stderrTail = 4 * 1024
)

// ExecOptions configures an ExecBroker.
type ExecOptions struct {
	// Command is the worker argv. The op arrives in the work order on
	// stdin, so one command serves all ops.
	Command []string

	// Commands overrides the command per op, for fleets with separate
	// worker binaries per role.
	Commands map[Op][]string

	// HardTimeout bounds each run. Zero uses DefaultHardTimeout.
	HardTimeout time.Duration

	// Grace is the SIGTERM-to-SIGKILL window. Zero uses DefaultGrace.
	Grace time.Duration

	// Dir is the worker's working directory.
	Dir string

	// Env is appended to the worker's environment.
	Env []string

	Logger *slog.Logger
}

// ExecBroker runs workers as subprocesses: JSON work order on stdin,
// JSON result on stdout, structured errors from stderr. Teardown is
// SIGTERM, a bounded grace, then SIGKILL, on every path including
// cancellation.
type ExecBroker struct {
	opts   ExecOptions
	logger *slog.Logger
}

// NewExecBroker creates a subprocess broker.
func NewExecBroker(opts ExecOptions) (*ExecBroker, error) {
	if len(opts.Command) == 0 && len(opts.Commands) == 0 {
		return nil, fmt.Errorf("exec broker: worker command is required")
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = DefaultHardTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecBroker{opts: opts, logger: logger}, nil
}

// command resolves the argv for an op.
func (b *ExecBroker) command(op Op) []string {
	if argv, ok := b.opts.Commands[op]; ok && len(argv) > 0 {
		return argv
	}
	return b.opts.Command
}

// run executes one work order and returns the worker's stdout.
func (b *ExecBroker) run(ctx context.Context, order WorkOrder) ([]byte, error) {
	argv := b.command(order.Op)
	if len(argv) == 0 {
		return nil, &Error{Op: order.Op, Err: fmt.Errorf("no worker command configured")}
	}

	timeout := b.opts.HardTimeout
	if order.Contract != nil && order.Contract.Limits.GlobalTimeoutHours > 0 {
		contractLimit := time.Duration(order.Contract.Limits.GlobalTimeoutHours * float64(time.Hour))
		if contractLimit < timeout {
			timeout = contractLimit
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if order.Deadline.IsZero() {
		if dl, ok := runCtx.Deadline(); ok {
			order.Deadline = dl
		}
	}
	input, err := json.Marshal(&order)
	if err != nil {
		return nil, &Error{Op: order.Op, Err: fmt.Errorf("marshal work order: %w", err)}
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = b.opts.Dir
	if len(b.opts.Env) > 0 {
		cmd.Env = append(cmd.Environ(), b.opts.Env...)
	}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// On cancellation or timeout, ask nicely first; WaitDelay brings
	// the SIGKILL after the grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.opts.Grace

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		detail := tail(stderr.Bytes(), stderrTail)
		if ctxErr := runCtx.Err(); ctxErr != nil {
			err = fmt.Errorf("worker did not finish in %s: %w", timeout, ctxErr)
		}
		b.logger.Warn("worker failed",
			"op", string(order.Op),
			"task_id", order.TaskID,
			"elapsed", elapsed,
			"error", err)
		return nil, &Error{Op: order.Op, Detail: detail, Err: err}
	}

	b.logger.Debug("worker finished",
		"op", string(order.Op),
		"task_id", order.TaskID,
		"elapsed", elapsed)
	return stdout.Bytes(), nil
}

// RunImplementer asks the worker to produce draft submissions.
func (b *ExecBroker) RunImplementer(ctx context.Context, c *contract.Contract) (*ImplementResult, error) {
	out, err := b.run(ctx, WorkOrder{Op: OpImplement, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return nil, err
	}
	var res ImplementResult
	if err := decodeInto(OpImplement, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunLocalReview runs the fast local review. Worker or transport
// failure comes back as a critical finding, never as a lost cycle.
func (b *ExecBroker) RunLocalReview(ctx context.Context, c *contract.Contract) (*ReviewResult, error) {
	out, err := b.run(ctx, WorkOrder{Op: OpLocalReview, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return criticalReview(err), nil
	}
	var res ReviewResult
	if err := decodeInto(OpLocalReview, out, &res); err != nil {
		return criticalReview(err), nil
	}
	return &res, nil
}

// RunJudge runs the senior review and enforces the verdict vocabulary.
func (b *ExecBroker) RunJudge(ctx context.Context, c *contract.Contract) (*JudgeResult, error) {
	out, err := b.run(ctx, WorkOrder{Op: OpJudge, TaskID: c.TaskID, Contract: c})
	if err != nil {
		return nil, err
	}
	var res JudgeResult
	if err := decodeInto(OpJudge, out, &res); err != nil {
		return nil, err
	}
	if err := validateJudge(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateProposal asks a worker to sanity-check a proposal document.
func (b *ExecBroker) ValidateProposal(ctx context.Context, proposal []byte) (*ProposalCheck, error) {
	out, err := b.run(ctx, WorkOrder{Op: OpValidateProposal, Proposal: proposal})
	if err != nil {
		return nil, err
	}
	var res ProposalCheck
	if err := decodeInto(OpValidateProposal, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveConflict asks the arbiter to rule on a rebuttal dispute.
func (b *ExecBroker) ResolveConflict(ctx context.Context, c *contract.Contract, rebuttal, judgeReport string) (*ConflictRuling, error) {
	out, err := b.run(ctx, WorkOrder{
		Op:          OpResolveConflict,
		TaskID:      c.TaskID,
		Contract:    c,
		Rebuttal:    rebuttal,
		JudgeReport: judgeReport,
	})
	if err != nil {
		return nil, err
	}
	var res ConflictRuling
	if err := decodeInto(OpResolveConflict, out, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// criticalReview converts an infrastructure failure into a blocking
// review finding.
func criticalReview(err error) *ReviewResult {
	return &ReviewResult{
		Passed:   false,
		Critical: true,
		Issues:   []string{fmt.Sprintf("review infrastructure failure: %v", err)},
	}
}

// tail returns the last n bytes of b as a string.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
