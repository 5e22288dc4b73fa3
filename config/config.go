// Package config provides configuration loading and management for
// semfloor. Layered precedence: defaults, user config, project config,
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete semfloor configuration.
type Config struct {
	Handoff  HandoffConfig  `yaml:"handoff"`
	Agent    AgentConfig    `yaml:"agent"`
	Bus      BusConfig      `yaml:"bus"`
	Repo     RepoConfig     `yaml:"repo"`
	Worker   WorkerConfig   `yaml:"worker"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Limits   LimitsConfig   `yaml:"limits"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Question QuestionConfig `yaml:"question"`
}

// HandoffConfig locates the durable handoff directory holding
// contracts, the sandbox, the audit log, and the file bus.
type HandoffConfig struct {
	Dir string `yaml:"dir"`
}

// AgentConfig identifies this daemon on the bus and sets its cadence.
type AgentConfig struct {
	// ID is the bus identity. The coordinator is floor_manager.
	ID string `yaml:"id"`

	// HeartbeatIntervalSeconds is the liveness cadence; an agent is
	// stalled after three missed intervals.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// PollIntervalSeconds is the bus poll cadence when busy; idle
	// polling backs off to six times this.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	// Path is the file-bus directory. Empty means <handoff.dir>/bus.
	Path string `yaml:"path"`

	// URL is a NATS server address. Set, it replaces the file bus.
	URL string `yaml:"url"`
}

// RepoConfig locates the git tree the listener checkpoints.
type RepoConfig struct {
	// Path is the repository root (auto-detected from git if empty).
	Path string `yaml:"path"`
}

// WorkerConfig wires the broker adapters.
type WorkerConfig struct {
	// Command is the subprocess worker argv; the op arrives on stdin.
	Command []string `yaml:"command"`

	// BridgeURL switches to the HTTP broker when set.
	BridgeURL string `yaml:"bridge_url"`

	// HardTimeoutMinutes bounds one worker run.
	HardTimeoutMinutes int `yaml:"hard_timeout_minutes"`

	// GraceSeconds is the SIGTERM-to-SIGKILL window.
	GraceSeconds int `yaml:"grace_seconds"`
}

// BreakerConfig holds operator-facing breaker switches.
type BreakerConfig struct {
	// AllowBudgetOverride permits semfloor reset to raise a tripped
	// task's cost ceiling.
	AllowBudgetOverride bool `yaml:"allow_budget_override"`

	// ResetHalt permits clearing a forced-halt file on reset.
	ResetHalt bool `yaml:"reset_halt"`

	// CountEmptyCycles counts no-issue review cycles toward the
	// nitpicking trip.
	CountEmptyCycles *bool `yaml:"count_empty_cycles"`
}

// LimitsConfig sets operator defaults for the per-task safety
// ceilings stamped into new contracts. Zero fields defer to the
// built-in complexity table.
type LimitsConfig struct {
	// MaxRebuttalsDefault caps implementer rebuttals of FAIL verdicts.
	MaxRebuttalsDefault int `yaml:"max_rebuttals_default"`

	// MaxReviewCyclesDefault caps judge review cycles.
	MaxReviewCyclesDefault int `yaml:"max_review_cycles_default"`

	// CostCeilingUSDDefault caps accumulated LLM spend per task.
	CostCeilingUSDDefault float64 `yaml:"cost_ceiling_usd_default"`

	// GlobalTimeoutHoursDefault caps wall-clock task lifetime.
	GlobalTimeoutHoursDefault float64 `yaml:"global_timeout_hours_default"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9090". Empty disables it.
	Addr string `yaml:"addr"`
}

// PricingConfig points at a model pricing table.
type PricingConfig struct {
	// File is a JSON pricing table merged over the built-in rates.
	File string `yaml:"file"`
}

// QuestionConfig sets how bounded questions are answered.
type QuestionConfig struct {
	// AnswerPolicy is "first" or "index:<n>".
	AnswerPolicy string `yaml:"answer_policy"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Handoff: HandoffConfig{Dir: "handoff"},
		Agent: AgentConfig{
			ID:                       "floor_manager",
			HeartbeatIntervalSeconds: 30,
			PollIntervalSeconds:      5,
		},
		Worker: WorkerConfig{
			HardTimeoutMinutes: 30,
			GraceSeconds:       10,
		},
		Question: QuestionConfig{AnswerPolicy: "first"},
	}
}

// BusPath returns the file-bus directory, defaulting under handoff.
func (c *Config) BusPath() string {
	if c.Bus.Path != "" {
		return c.Bus.Path
	}
	return filepath.Join(c.Handoff.Dir, "bus")
}

// CountEmptyCycles reports the nitpick policy, defaulting to on.
func (c *Config) CountEmptyCycles() bool {
	if c.Breaker.CountEmptyCycles == nil {
		return true
	}
	return *c.Breaker.CountEmptyCycles
}

// Validate checks that the configuration is usable. A failure here is
// exit code 2 territory: refuse to start, never limp.
func (c *Config) Validate() error {
	if c.Handoff.Dir == "" {
		return fmt.Errorf("handoff.dir is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Agent.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("agent.heartbeat_interval_seconds must be positive")
	}
	if c.Agent.PollIntervalSeconds <= 0 {
		return fmt.Errorf("agent.poll_interval_seconds must be positive")
	}
	if err := validateAnswerPolicy(c.Question.AnswerPolicy); err != nil {
		return err
	}
	if c.Worker.HardTimeoutMinutes < 0 || c.Worker.GraceSeconds < 0 {
		return fmt.Errorf("worker timeouts must not be negative")
	}
	if c.Limits.MaxRebuttalsDefault < 0 || c.Limits.MaxReviewCyclesDefault < 0 ||
		c.Limits.CostCeilingUSDDefault < 0 || c.Limits.GlobalTimeoutHoursDefault < 0 {
		return fmt.Errorf("limits defaults must not be negative")
	}
	return nil
}

// validateAnswerPolicy accepts "first" or "index:<n>".
func validateAnswerPolicy(policy string) error {
	if policy == "" || policy == "first" {
		return nil
	}
	if rest, ok := strings.CutPrefix(policy, "index:"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n >= 0 {
			return nil
		}
	}
	return fmt.Errorf("question.answer_policy must be %q or %q, got %q", "first", "index:<n>", policy)
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one; other takes precedence
// for non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Handoff.Dir != "" {
		c.Handoff.Dir = other.Handoff.Dir
	}

	if other.Agent.ID != "" {
		c.Agent.ID = other.Agent.ID
	}
	if other.Agent.HeartbeatIntervalSeconds != 0 {
		c.Agent.HeartbeatIntervalSeconds = other.Agent.HeartbeatIntervalSeconds
	}
	if other.Agent.PollIntervalSeconds != 0 {
		c.Agent.PollIntervalSeconds = other.Agent.PollIntervalSeconds
	}

	if other.Bus.Path != "" {
		c.Bus.Path = other.Bus.Path
	}
	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
	}

	if other.Repo.Path != "" {
		c.Repo.Path = other.Repo.Path
	}

	if len(other.Worker.Command) > 0 {
		c.Worker.Command = other.Worker.Command
	}
	if other.Worker.BridgeURL != "" {
		c.Worker.BridgeURL = other.Worker.BridgeURL
	}
	if other.Worker.HardTimeoutMinutes != 0 {
		c.Worker.HardTimeoutMinutes = other.Worker.HardTimeoutMinutes
	}
	if other.Worker.GraceSeconds != 0 {
		c.Worker.GraceSeconds = other.Worker.GraceSeconds
	}

	if other.Breaker.AllowBudgetOverride {
		c.Breaker.AllowBudgetOverride = true
	}
	if other.Breaker.ResetHalt {
		c.Breaker.ResetHalt = true
	}
	if other.Breaker.CountEmptyCycles != nil {
		c.Breaker.CountEmptyCycles = other.Breaker.CountEmptyCycles
	}

	if other.Limits.MaxRebuttalsDefault != 0 {
		c.Limits.MaxRebuttalsDefault = other.Limits.MaxRebuttalsDefault
	}
	if other.Limits.MaxReviewCyclesDefault != 0 {
		c.Limits.MaxReviewCyclesDefault = other.Limits.MaxReviewCyclesDefault
	}
	if other.Limits.CostCeilingUSDDefault != 0 {
		c.Limits.CostCeilingUSDDefault = other.Limits.CostCeilingUSDDefault
	}
	if other.Limits.GlobalTimeoutHoursDefault != 0 {
		c.Limits.GlobalTimeoutHoursDefault = other.Limits.GlobalTimeoutHoursDefault
	}

	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Pricing.File != "" {
		c.Pricing.File = other.Pricing.File
	}
	if other.Question.AnswerPolicy != "" {
		c.Question.AnswerPolicy = other.Question.AnswerPolicy
	}
}
