package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "semfloor.yaml"
	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/semfloor"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semfloor/config.yaml)
// 3. Project config (semfloor.yaml in current or parent directories)
// 4. .env file and environment variables
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn("failed to load user config",
			slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("failed to load project config",
				slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no project config found")
	}

	// A .env beside the project config feeds the env layer; absence is
	// normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		l.logger.Warn("failed to load .env", slog.String("error", err.Error()))
	}
	applyEnv(config)

	if config.Repo.Path == "" {
		if gitRoot := l.detectGitRoot(); gitRoot != "" {
			config.Repo.Path = gitRoot
			l.logger.Debug("auto-detected git root", slog.String("path", gitRoot))
		} else if cwd, err := os.Getwd(); err == nil {
			config.Repo.Path = cwd
			l.logger.Debug("using current directory as repo root", slog.String("path", cwd))
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variables, the highest-precedence
// layer.
func applyEnv(c *Config) {
	if v := os.Getenv("HANDOFF_DIR"); v != "" {
		c.Handoff.Dir = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		c.Agent.ID = v
	}
	if v := os.Getenv("BUS_PATH"); v != "" {
		c.Bus.Path = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("MAX_REBUTTALS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxRebuttalsDefault = n
		}
	}
	if v := os.Getenv("MAX_REVIEW_CYCLES_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limits.MaxReviewCyclesDefault = n
		}
	}
	if v := os.Getenv("COST_CEILING_USD_DEFAULT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.CostCeilingUSDDefault = n
		}
	}
	if v := os.Getenv("GLOBAL_TIMEOUT_HOURS_DEFAULT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Limits.GlobalTimeoutHoursDefault = n
		}
	}
	if v := os.Getenv("SEMFLOOR_ALLOW_BUDGET_OVERRIDE"); v != "" {
		c.Breaker.AllowBudgetOverride = envBool(v)
	}
	if v := os.Getenv("SEMFLOOR_RESET_HALT"); v != "" {
		c.Breaker.ResetHalt = envBool(v)
	}
}

func envBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// EnsureUserConfig creates the user config file with defaults if it
// doesn't exist.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}

	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file.
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semfloor.yaml in current and parent
// directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// detectGitRoot finds the git repository root from current directory.
func (l *Loader) detectGitRoot() string {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}
