package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "floor_manager", c.Agent.ID)
	assert.Equal(t, 30, c.Agent.HeartbeatIntervalSeconds)
	assert.Equal(t, 5, c.Agent.PollIntervalSeconds)
	assert.Equal(t, "first", c.Question.AnswerPolicy)
	assert.Equal(t, filepath.Join("handoff", "bus"), c.BusPath())
	assert.True(t, c.CountEmptyCycles())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing handoff dir", func(c *Config) { c.Handoff.Dir = "" }},
		{"missing agent id", func(c *Config) { c.Agent.ID = "" }},
		{"zero heartbeat", func(c *Config) { c.Agent.HeartbeatIntervalSeconds = 0 }},
		{"negative poll", func(c *Config) { c.Agent.PollIntervalSeconds = -1 }},
		{"bad answer policy", func(c *Config) { c.Question.AnswerPolicy = "random" }},
		{"bad index policy", func(c *Config) { c.Question.AnswerPolicy = "index:x" }},
		{"negative index policy", func(c *Config) { c.Question.AnswerPolicy = "index:-1" }},
		{"negative grace", func(c *Config) { c.Worker.GraceSeconds = -1 }},
		{"negative cost ceiling default", func(c *Config) { c.Limits.CostCeilingUSDDefault = -0.5 }},
		{"negative rebuttal default", func(c *Config) { c.Limits.MaxRebuttalsDefault = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestAnswerPolicyForms(t *testing.T) {
	for _, policy := range []string{"", "first", "index:0", "index:3"} {
		c := DefaultConfig()
		c.Question.AnswerPolicy = policy
		assert.NoError(t, c.Validate(), "policy %q", policy)
	}
}

func TestMergePrecedence(t *testing.T) {
	base := DefaultConfig()
	off := false
	base.Merge(&Config{
		Handoff: HandoffConfig{Dir: "/srv/floor"},
		Agent:   AgentConfig{PollIntervalSeconds: 2},
		Bus:     BusConfig{URL: "nats://localhost:4222"},
		Breaker: BreakerConfig{AllowBudgetOverride: true, CountEmptyCycles: &off},
		Worker:  WorkerConfig{Command: []string{"worker", "--role"}},
	})

	assert.Equal(t, "/srv/floor", base.Handoff.Dir)
	assert.Equal(t, 2, base.Agent.PollIntervalSeconds)
	assert.Equal(t, 30, base.Agent.HeartbeatIntervalSeconds, "unset values keep defaults")
	assert.Equal(t, "nats://localhost:4222", base.Bus.URL)
	assert.True(t, base.Breaker.AllowBudgetOverride)
	assert.False(t, base.CountEmptyCycles())
	assert.Equal(t, []string{"worker", "--role"}, base.Worker.Command)

	// Merging nil or zero values changes nothing.
	base.Merge(nil)
	base.Merge(&Config{})
	assert.Equal(t, "/srv/floor", base.Handoff.Dir)
}

func TestLoadFromFileRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semfloor.yaml")
	c := DefaultConfig()
	c.Handoff.Dir = "/data/handoff"
	c.Metrics.Addr = ":9091"
	require.NoError(t, c.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/handoff", loaded.Handoff.Dir)
	assert.Equal(t, ":9091", loaded.Metrics.Addr)
}

func TestEnvOverridesWinOverFiles(t *testing.T) {
	t.Setenv("HANDOFF_DIR", "/env/handoff")
	t.Setenv("AGENT_ID", "floor_manager_2")
	t.Setenv("HEARTBEAT_INTERVAL_SECONDS", "10")
	t.Setenv("POLL_INTERVAL_SECONDS", "3")
	t.Setenv("BUS_URL", "nats://bus:4222")
	t.Setenv("METRICS_ADDR", ":9100")
	t.Setenv("SEMFLOOR_ALLOW_BUDGET_OVERRIDE", "true")
	t.Setenv("SEMFLOOR_RESET_HALT", "no")
	t.Setenv("MAX_REBUTTALS_DEFAULT", "4")
	t.Setenv("MAX_REVIEW_CYCLES_DEFAULT", "5")
	t.Setenv("COST_CEILING_USD_DEFAULT", "1.25")
	t.Setenv("GLOBAL_TIMEOUT_HOURS_DEFAULT", "8")

	c := DefaultConfig()
	applyEnv(c)

	assert.Equal(t, "/env/handoff", c.Handoff.Dir)
	assert.Equal(t, "floor_manager_2", c.Agent.ID)
	assert.Equal(t, 10, c.Agent.HeartbeatIntervalSeconds)
	assert.Equal(t, 3, c.Agent.PollIntervalSeconds)
	assert.Equal(t, "nats://bus:4222", c.Bus.URL)
	assert.Equal(t, ":9100", c.Metrics.Addr)
	assert.True(t, c.Breaker.AllowBudgetOverride)
	assert.False(t, c.Breaker.ResetHalt)
	assert.Equal(t, 4, c.Limits.MaxRebuttalsDefault)
	assert.Equal(t, 5, c.Limits.MaxReviewCyclesDefault)
	assert.Equal(t, 1.25, c.Limits.CostCeilingUSDDefault)
	assert.Equal(t, 8.0, c.Limits.GlobalTimeoutHoursDefault)
}

func TestLoaderFindsProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectConfigFile),
		[]byte("handoff:\n  dir: /proj/handoff\n"), 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	require.NoError(t, os.Chdir(nested))

	l := NewLoader(nil)
	found := l.findProjectConfig()
	require.NotEmpty(t, found, "walk-up should find the project file")

	loaded, err := LoadFromFile(found)
	require.NoError(t, err)
	assert.Equal(t, "/proj/handoff", loaded.Handoff.Dir)
}
