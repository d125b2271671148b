// Package config loads the supervisor's YAML configuration, enumerating
// every knob named in spec §9's config table plus the git/channel settings
// needed to run the supervisor end to end.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the owner UI adapter (internal/channels).
type TelegramConfig struct {
	Token       string  `yaml:"token"`
	OwnerChatID int64   `yaml:"owner_chat_id"`
	AllowedIDs  []int64 `yaml:"allowed_ids"`
	Enabled     bool    `yaml:"enabled"`
}

// ChannelsConfig holds all configured owner-facing channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// GitConfig describes the working tree git ops (C3) operates on.
type GitConfig struct {
	RepoDir        string   `yaml:"repo_dir"`
	RemoteURL      string   `yaml:"remote_url"` // clone source; only read if repo_dir is absent or empty
	DevBranch      string   `yaml:"dev_branch"`
	StableBranch   string   `yaml:"stable_branch"`
	RemoteName     string   `yaml:"remote_name"`
	ProtectedFiles []string `yaml:"protected_files"`
	BundleDir      string   `yaml:"bundle_dir"` // immutable image protected files are synced from
}

// LLMProviderConfig names the LLM providers available to the chat/task
// workers and the fallback order used by internal/llm's failover adapter.
type LLMProviderConfig struct {
	Provider          string   `yaml:"provider"` // "anthropic" | "openai"
	AnthropicModel    string   `yaml:"anthropic_model"`
	OpenAIModel       string   `yaml:"openai_model"`
	FallbackProviders []string `yaml:"fallback_providers"`
}

// Config is the full set of knobs recognized by the core (spec §9).
type Config struct {
	HomeDir string `yaml:"-"`

	MaxWorkers int `yaml:"max_workers"`

	TotalBudgetUSD float64 `yaml:"total_budget_usd"`

	SoftTimeoutSec int `yaml:"soft_timeout_sec"`
	HardTimeoutSec int `yaml:"hard_timeout_sec"`

	DiagHeartbeatSec int `yaml:"diag_heartbeat_sec"`
	DiagSlowCycleSec int `yaml:"diag_slow_cycle_sec"`

	EvolutionCostThresholdUSD float64 `yaml:"evolution_cost_threshold_usd"`
	EvolutionPeriodSec        int     `yaml:"evolution_period_sec"`

	BGWakeupMinSec int `yaml:"bg_wakeup_min_sec"`
	BGWakeupMaxSec int `yaml:"bg_wakeup_max_sec"`

	// ReviewCronExpr is a standard 5-field cron expression for the
	// optional owner-configured `/review`-on-schedule convenience
	// (internal/cron). Empty disables it.
	ReviewCronExpr string `yaml:"review_cron_expr"`

	// TestFailureOverrideThreshold is the number of consecutive failing
	// pre-commit test runs git ops tolerates before letting a commit stand
	// (spec §9 Open Question (a) — made configurable rather than hardcoded).
	TestFailureOverrideThreshold int `yaml:"test_failure_override_threshold"`

	// MaxTaskAttempts unifies the retry policy keyed off attempts (spec §9
	// Open Question (b)): a task is permanently failed once Attempts
	// reaches this value, whether interrupted by crash, worker death, or
	// explicit retry.
	MaxTaskAttempts int `yaml:"max_task_attempts"`

	LLM      LLMProviderConfig `yaml:"llm"`
	Git      GitConfig         `yaml:"git"`
	Channels ChannelsConfig    `yaml:"channels"`

	LogLevel string `yaml:"log_level"`

	NeedsGenesis bool `yaml:"-"`
}

// SoftTimeout and HardTimeout convert the config's second-granularity
// fields into time.Duration for use by internal/queue.
func (c Config) SoftTimeout() time.Duration { return time.Duration(c.SoftTimeoutSec) * time.Second }
func (c Config) HardTimeout() time.Duration { return time.Duration(c.HardTimeoutSec) * time.Second }

// BGWakeupMin and BGWakeupMax convert the bg_consciousness cadence bounds
// into time.Duration for internal/cron.
func (c Config) BGWakeupMin() time.Duration { return time.Duration(c.BGWakeupMinSec) * time.Second }
func (c Config) BGWakeupMax() time.Duration { return time.Duration(c.BGWakeupMaxSec) * time.Second }

// AnthropicAPIKey and OpenAIAPIKey resolve provider credentials from the
// environment, the way the teacher's LLMProviderAPIKey does.
func (c Config) AnthropicAPIKey() string { return os.Getenv("ANTHROPIC_API_KEY") }
func (c Config) OpenAIAPIKey() string    { return os.Getenv("OPENAI_API_KEY") }

func defaultConfig() Config {
	return Config{
		MaxWorkers:                   5,
		TotalBudgetUSD:               50.0,
		SoftTimeoutSec:               600,
		HardTimeoutSec:               1800,
		DiagHeartbeatSec:             60,
		DiagSlowCycleSec:             5,
		EvolutionCostThresholdUSD:    5.0,
		EvolutionPeriodSec:           int((24 * time.Hour).Seconds()),
		BGWakeupMinSec:               int((30 * time.Minute).Seconds()),
		BGWakeupMaxSec:               int((4 * time.Hour).Seconds()),
		TestFailureOverrideThreshold: 3,
		MaxTaskAttempts:              3,
		LogLevel:                     "info",
		LLM: LLMProviderConfig{
			Provider:          "anthropic",
			AnthropicModel:    "claude-sonnet-4-5-20250929",
			FallbackProviders: []string{"openai"},
		},
		Git: GitConfig{
			DevBranch:    "dev",
			StableBranch: "stable",
			RemoteName:   "origin",
		},
	}
}

// HomeDir resolves the supervisor's data root, honoring an env override the
// way the teacher's HomeDir() honors GOCLAW_HOME.
func HomeDir() string {
	if override := os.Getenv("OUROBOROS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ouroboros")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the resolved home directory, merging it over
// defaultConfig. A missing file is not an error — it sets NeedsGenesis so
// the caller's bootstrap wizard (out of core scope) can run.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ouroboros home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.HomeDir = HomeDir()
	return cfg, nil
}

// Save writes cfg back to config.yaml in its home directory.
func Save(cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.HomeDir), out, 0o644)
}
