// Package config assembles the loop's settings from, in ascending
// precedence: built-in defaults, an optional TOML file, the process
// environment, and an optional .env file next to the working directory.
// The .env file wins over the environment so an operator can pin values
// per checkout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/jules-loop/internal/prompt"
)

// Config holds all application configuration
type Config struct {
	Loop          LoopConfig          `toml:"loop"`
	GitHub        GitHubConfig        `toml:"github"`
	Jules         JulesConfig         `toml:"jules"`
	Notifications NotificationsConfig `toml:"notifications"`

	// Derived from GitHub.Repo after loading.
	Owner    string `toml:"-"`
	RepoName string `toml:"-"`

	// Parsed prompt pool, if one was configured.
	Pool []prompt.Weighted `toml:"-"`
}

// LoopConfig holds loop behavior settings
type LoopConfig struct {
	Prompt               string `toml:"prompt"`
	PromptsFile          string `toml:"prompts_file"`
	ExecutionTimeoutSecs int    `toml:"execution_timeout_secs"`
	RetryMax             int    `toml:"retry_max"`
	RetryBaseSecs        int    `toml:"retry_base_secs"`
	PollIntervalSecs     int    `toml:"poll_interval_secs"`
	PollInitialDelaySecs int    `toml:"poll_initial_delay_secs"`
	QuotaDailyLimit      int    `toml:"quota_daily_limit"`
	DryRun               bool   `toml:"dry_run"`
	StateDir             string `toml:"state_dir"`
}

// GitHubConfig holds GitHub API settings
type GitHubConfig struct {
	Token        string `toml:"token"`
	Repo         string `toml:"repo"`
	TargetBranch string `toml:"target_branch"`
}

// JulesConfig holds Jules API settings
type JulesConfig struct {
	APIKey string `toml:"api_key"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Loop: LoopConfig{
			Prompt:               prompt.DefaultText,
			ExecutionTimeoutSecs: 1800,
			RetryMax:             3,
			RetryBaseSecs:        5,
			PollIntervalSecs:     15,
			PollInitialDelaySecs: 0,
			QuotaDailyLimit:      0,
			StateDir:             ".jules",
		},
		GitHub: GitHubConfig{
			TargetBranch: "main",
		},
	}
}

// Load reads configuration from a TOML file, the environment, and .env,
// then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	env, err := environment(".env")
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.finalize(env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment returns the process environment overlaid with the .env file.
func environment(dotenvPath string) (map[string]string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok {
			env[key] = value
		}
	}

	overrides, err := ParseDotenv(dotenvPath)
	if err != nil {
		return nil, err
	}
	for key, value := range overrides {
		env[key] = value
	}
	return env, nil
}

// ParseDotenv reads KEY=VALUE lines from a .env file. A missing file is
// not an error. Lines starting with # and blank lines are skipped, and
// surrounding single or double quotes on values are stripped.
func ParseDotenv(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	vars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		vars[key] = value
	}
	return vars, nil
}

func (c *Config) applyEnv(env map[string]string) error {
	setString := func(key string, dst *string) {
		if v, ok := env[key]; ok && v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v, ok := env[key]
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	setString("JULES_API_KEY", &c.Jules.APIKey)
	setString("GITHUB_TOKEN", &c.GitHub.Token)
	setString("GITHUB_REPO", &c.GitHub.Repo)
	setString("TARGET_BRANCH", &c.GitHub.TargetBranch)
	setString("PROMPT", &c.Loop.Prompt)
	setString("PROMPTS_FILE", &c.Loop.PromptsFile)
	setString("STATE_DIR", &c.Loop.StateDir)
	setString("SLACK_WEBHOOK_URL", &c.Notifications.SlackWebhook)

	for _, field := range []struct {
		key string
		dst *int
	}{
		{"EXECUTION_TIMEOUT_SECS", &c.Loop.ExecutionTimeoutSecs},
		{"RETRY_MAX", &c.Loop.RetryMax},
		{"RETRY_BASE_SECS", &c.Loop.RetryBaseSecs},
		{"POLL_INTERVAL_SECS", &c.Loop.PollIntervalSecs},
		{"POLL_INITIAL_DELAY_SECS", &c.Loop.PollInitialDelaySecs},
		{"QUOTA_DAILY_LIMIT", &c.Loop.QuotaDailyLimit},
	} {
		if err := setInt(field.key, field.dst); err != nil {
			return err
		}
	}

	if v, ok := env["DRY_RUN"]; ok {
		c.Loop.DryRun = truthy(v)
	}
	return nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// finalize derives fields and validates. env carries the raw PROMPTS
// value, which is JSON and never fits the string fields above.
func (c *Config) finalize(env map[string]string) error {
	if c.Jules.APIKey == "" {
		return fmt.Errorf("JULES_API_KEY is required")
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.GitHub.Repo == "" {
		return fmt.Errorf("GITHUB_REPO is required")
	}

	owner, name, ok := strings.Cut(c.GitHub.Repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("GITHUB_REPO must be owner/name, got %q", c.GitHub.Repo)
	}
	c.Owner = owner
	c.RepoName = name

	if raw, ok := env["PROMPTS"]; ok && raw != "" {
		pool, err := prompt.ParseJSON(raw)
		if err != nil {
			return err
		}
		c.Pool = pool
	} else if c.Loop.PromptsFile != "" {
		pool, err := prompt.LoadFile(ExpandPath(c.Loop.PromptsFile))
		if err != nil {
			return err
		}
		c.Pool = pool
	}

	if c.Loop.ExecutionTimeoutSecs <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	if c.Loop.PollIntervalSecs <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Loop.RetryBaseSecs <= 0 {
		return fmt.Errorf("retry base delay must be positive")
	}
	if c.Loop.QuotaDailyLimit < 0 {
		return fmt.Errorf("quota limit must not be negative")
	}
	return nil
}

// ExecutionTimeout returns the session execution window.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Loop.ExecutionTimeoutSecs) * time.Second
}

// PollInterval returns the delay between session polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Loop.PollIntervalSecs) * time.Second
}

// PollInitialDelay returns the wait before the first poll.
func (c *Config) PollInitialDelay() time.Duration {
	return time.Duration(c.Loop.PollInitialDelaySecs) * time.Second
}

// RetryBaseDelay returns the first backoff delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Loop.RetryBaseSecs) * time.Second
}

// LocalConfigName is the per-checkout config file discovered by walking up
// from the working directory.
const LocalConfigName = ".jules-loop.toml"

// FindLocalConfig walks up from the working directory looking for a
// LocalConfigName file. Returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a
// discovered local config, otherwise the default location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path == "" {
		path = FindLocalConfig()
	}
	if path == "" {
		path = DefaultConfigPath()
	}
	return Load(path)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "jules-loop", "config.toml")
}
