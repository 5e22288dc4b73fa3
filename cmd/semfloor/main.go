// Package main provides the semfloor binary: the floor-manager daemon
// and its operator commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/semfloor/breaker"
	"github.com/c360studio/semfloor/broker"
	"github.com/c360studio/semfloor/bus"
	"github.com/c360studio/semfloor/checkpoint"
	"github.com/c360studio/semfloor/config"
	"github.com/c360studio/semfloor/contract"
	"github.com/c360studio/semfloor/listener"
	"github.com/c360studio/semfloor/machine"
	"github.com/c360studio/semfloor/metrics"
	"github.com/c360studio/semfloor/model"
	"github.com/c360studio/semfloor/sandbox"
	"github.com/c360studio/semfloor/storage"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semfloor"
)

// Exit codes. Everything that can go wrong maps to one of these.
const (
	exitOK         = 0
	exitError      = 1
	exitConfig     = 2
	exitBus        = 3
	exitForcedHalt = 4
)

// exitErr carries a specific exit code up through cobra.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitError)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitErr
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitError)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Multi-agent assembly line coordinator",
		Long: `Semfloor coordinates a floor of worker agents through durable
task contracts: proposals become contracts, implementers draft in a
sandbox, a gate applies safe drafts, reviewers and a judge rule on
them, and a ten-trigger circuit breaker stops the line before an
agent loop burns the budget.

State lives in the handoff directory; every transition is an atomic
write, an audit log line, and a git checkpoint.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(&logLevel))
	cmd.AddCommand(proposeCmd(&logLevel))
	cmd.AddCommand(statusCmd(&logLevel))
	cmd.AddCommand(resetCmd(&logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// stack is the wired-up infrastructure shared by the commands.
type stack struct {
	cfg       *config.Config
	logger    *slog.Logger
	atomic    *storage.Store
	contracts *contract.Store
	brk       *breaker.Engine
	msgbus    bus.Bus
	metrics   *metrics.Metrics
}

// newStack loads configuration and builds the storage-side
// infrastructure. Config problems are exit code 2.
func newStack(ctx context.Context, logLevel string, withBus bool) (*stack, error) {
	logger := newLogger(logLevel)

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, &exitErr{code: exitConfig, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	atomic := storage.NewStore(storage.Options{Logger: logger})
	contracts := contract.NewStore(atomic, cfg.Handoff.Dir)
	m := metrics.New()
	brk := breaker.NewEngine(atomic, contracts, breaker.Options{
		NitpickEmptyCycles: cfg.Breaker.CountEmptyCycles,
		Logger:             logger,
		Metrics:            m,
	})

	s := &stack{
		cfg:       cfg,
		logger:    logger,
		atomic:    atomic,
		contracts: contracts,
		brk:       brk,
		metrics:   m,
	}
	if withBus {
		s.msgbus, err = openBus(ctx, cfg, atomic, logger)
		if err != nil {
			return nil, &exitErr{code: exitBus, err: err}
		}
	}
	return s, nil
}

// openBus selects the backend: NATS when a URL is configured, the file
// bus otherwise.
func openBus(ctx context.Context, cfg *config.Config, atomic *storage.Store, logger *slog.Logger) (bus.Bus, error) {
	if cfg.Bus.URL != "" {
		b, err := bus.NewNatsBus(ctx, cfg.Bus.URL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect NATS bus %s: %w", cfg.Bus.URL, err)
		}
		return b, nil
	}
	return bus.NewFileBus(atomic, cfg.BusPath(), logger), nil
}

// newBroker wires the worker adapter from config: HTTP bridge when a
// URL is set, subprocess otherwise.
func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.Worker.BridgeURL != "" {
		return broker.NewHTTPBroker(broker.HTTPOptions{
			BaseURL:     cfg.Worker.BridgeURL,
			HardTimeout: time.Duration(cfg.Worker.HardTimeoutMinutes) * time.Minute,
			Logger:      logger,
		})
	}
	if len(cfg.Worker.Command) == 0 {
		return nil, fmt.Errorf("worker.command or worker.bridge_url is required to run the floor")
	}
	return broker.NewExecBroker(broker.ExecOptions{
		Command:     cfg.Worker.Command,
		HardTimeout: time.Duration(cfg.Worker.HardTimeoutMinutes) * time.Minute,
		Grace:       time.Duration(cfg.Worker.GraceSeconds) * time.Second,
		Logger:      logger,
	})
}

func runCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the floor-manager daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			s, err := newStack(ctx, *logLevel, true)
			if err != nil {
				return err
			}
			defer func() { _ = s.msgbus.Close() }()

			// A standing halt means a human has not signed off yet.
			if s.brk.Halted() {
				return &exitErr{
					code: exitForcedHalt,
					err:  fmt.Errorf("forced halt in effect (%s); run `%s reset <task>` after review", s.brk.HaltPath(), appName),
				}
			}

			workers, err := newBroker(s.cfg, s.logger)
			if err != nil {
				return &exitErr{code: exitConfig, err: err}
			}

			var git *checkpoint.Runner
			if s.cfg.Repo.Path != "" {
				git = checkpoint.NewRunner(s.cfg.Repo.Path, s.logger)
			}

			eng := machine.NewEngine(s.atomic, s.contracts, s.brk, machine.Options{
				Actor:   s.cfg.Agent.ID,
				Git:     git,
				Logger:  s.logger,
				Metrics: s.metrics,
			})

			sb, err := sandbox.New(s.atomic, s.cfg.Handoff.Dir, s.cfg.Repo.Path, s.logger)
			if err != nil {
				return &exitErr{code: exitConfig, err: fmt.Errorf("sandbox setup: %w", err)}
			}
			gate := sandbox.NewGate(sb, s.atomic, s.msgbus, sandbox.GateOptions{
				AgentID:      s.cfg.Agent.ID,
				AuditLogPath: eng.AuditLogPath(),
				Logger:       s.logger,
				Metrics:      s.metrics,
			})

			pricing := model.NewDefaultRegistry()
			if s.cfg.Pricing.File != "" {
				if err := pricing.LoadFromFile(s.cfg.Pricing.File); err != nil {
					return &exitErr{code: exitConfig, err: fmt.Errorf("pricing table: %w", err)}
				}
			}

			daemon, err := listener.New(listener.Options{
				Config:    s.cfg,
				Bus:       s.msgbus,
				Atomic:    s.atomic,
				Contracts: s.contracts,
				Machine:   eng,
				Breaker:   s.brk,
				Broker:    workers,
				Gate:      gate,
				Sandbox:   sb,
				Git:       git,
				Pricing:   pricing,
				Metrics:   s.metrics,
				Logger:    s.logger,
			})
			if err != nil {
				return err
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			if err := daemon.Start(runCtx); err != nil {
				if errors.Is(err, listener.ErrBusUnreachable) {
					return &exitErr{code: exitBus, err: err}
				}
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			received := <-sig
			s.logger.Info("shutting down", "signal", received.String())

			cancel()
			if err := daemon.Stop(30 * time.Second); err != nil {
				return err
			}
			return nil
		},
	}
}

func proposeCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <proposal.yaml>",
		Short: "Validate a proposal and put it on the floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := newStack(ctx, *logLevel, true)
			if err != nil {
				return err
			}
			defer func() { _ = s.msgbus.Close() }()

			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read proposal: %w", err)
			}
			if _, errs := contract.ParseProposal(data); len(errs) > 0 {
				fmt.Fprintf(os.Stderr, "Proposal %s rejected:\n", path)
				for _, e := range errs {
					fmt.Fprintf(os.Stderr, "  - %v\n", e)
				}
				return &exitErr{code: exitError, err: fmt.Errorf("%d problem(s) in proposal", len(errs))}
			}

			agentID := s.cfg.Agent.ID + "_cli"
			if err := s.msgbus.Connect(ctx, agentID); err != nil {
				return &exitErr{code: exitBus, err: fmt.Errorf("%w", err)}
			}
			msg, err := bus.NewMessage(bus.MsgProposalReady, agentID, s.cfg.Agent.ID, bus.ProposalReadyPayload{
				ProposalPath: path,
			})
			if err != nil {
				return err
			}
			if _, err := s.msgbus.Send(ctx, msg); err != nil {
				return &exitErr{code: exitBus, err: err}
			}
			fmt.Printf("Proposal announced: %s\n", path)
			return nil
		},
	}
}

func statusCmd(logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task]",
		Short: "Show the floor's tasks, or one task in full",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			s, err := newStack(context.Background(), *logLevel, false)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				c, err := s.contracts.Load(args[0])
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(c, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			ids, err := s.contracts.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No tasks on the floor.")
				return nil
			}
			fmt.Printf("%-40s %-28s %-10s %s\n", "TASK", "STATUS", "SPEND", "BREAKER")
			for _, id := range ids {
				c, err := s.contracts.Load(id)
				if err != nil {
					fmt.Printf("%-40s %v\n", id, err)
					continue
				}
				fmt.Printf("%-40s %-28s $%-9.4f %s\n",
					c.TaskID, c.Status, c.Breaker.CostUSD, c.Breaker.Status)
			}
			if s.brk.Halted() {
				fmt.Printf("\nFORCED HALT in effect: %s\n", s.brk.HaltPath())
			}
			return nil
		},
	}
}

func resetCmd(logLevel *string) *cobra.Command {
	var budget float64

	cmd := &cobra.Command{
		Use:   "reset <task>",
		Short: "Re-arm a tripped breaker and put the task back on the line",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			s, err := newStack(ctx, *logLevel, false)
			if err != nil {
				return err
			}
			taskID := args[0]
			operator := os.Getenv("USER")
			if operator == "" {
				operator = "operator"
			}

			if budget > 0 {
				if !s.cfg.Breaker.AllowBudgetOverride {
					return &exitErr{code: exitConfig,
						err: fmt.Errorf("budget override is disabled (breaker.allow_budget_override)")}
				}
				if err := s.brk.OverrideBudget(taskID, budget); err != nil {
					return err
				}
				fmt.Printf("Budget ceiling raised to $%.2f\n", budget)
			}

			if s.brk.Halted() && !s.cfg.Breaker.ResetHalt {
				return &exitErr{code: exitConfig,
					err: fmt.Errorf("forced halt at %s; set SEMFLOOR_RESET_HALT=true (breaker.reset_halt) after reviewing it", s.brk.HaltPath())}
			}

			eng := machine.NewEngine(s.atomic, s.contracts, s.brk, machine.Options{
				Actor:   operator,
				Logger:  s.logger,
				Metrics: s.metrics,
			})
			if err := s.brk.Reset(taskID, eng.AuditLogPath(), operator); err != nil {
				return err
			}

			// Resume only moves consultation tasks; a task reset in any
			// other status stays where it was.
			if c, err := s.contracts.Load(taskID); err == nil && c.Status == contract.StatusErikConsultation {
				if _, err := eng.Apply(ctx, taskID, machine.EventOperatorResumed, machine.ApplyOptions{
					Actor:  operator,
					Reason: "operator reset after halt review",
				}); err != nil {
					return err
				}
			}
			fmt.Printf("Task %s re-armed.\n", taskID)
			return nil
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "Raise the cost ceiling (USD) before resetting")
	return cmd
}
