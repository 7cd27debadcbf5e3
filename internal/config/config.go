// Package config handles configuration loading for taskweave.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/taskweave/internal/agent"
	"github.com/ShayCichocki/taskweave/internal/orchestrator/policy"
	"github.com/ShayCichocki/taskweave/internal/state"
	"github.com/ShayCichocki/taskweave/internal/timeout"
	"github.com/ShayCichocki/taskweave/pkg/models"
)

// ProjectConfigName is the project-level config file searched upward from
// the working directory.
const ProjectConfigName = ".taskweave.yaml"

// EnvPrefix prefixes every environment override, e.g.
// TASKWEAVE_EXECUTION_MAX_CONCURRENCY.
const EnvPrefix = "TASKWEAVE"

// ErrInvalidConfig indicates a value is out of range.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for taskweave.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Decompose DecomposeConfig `mapstructure:"decompose"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Agents    []AgentConfig   `mapstructure:"agents"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// JSON writes JSON lines to stderr instead of the console format.
	JSON bool `mapstructure:"json"`
	// File, when set, also writes JSON lines to a rotating file.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// AnthropicConfig holds oracle client settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int    `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// DecomposeConfig controls the decomposition engine.
type DecomposeConfig struct {
	MaxDepth int `mapstructure:"max_depth"`
	// CacheSize bounds the oracle answer cache. Zero disables caching.
	CacheSize int `mapstructure:"cache_size"`
	// Oracle bounds each oracle call.
	Oracle timeout.Config `mapstructure:"oracle"`
}

// ExecutionConfig controls the coordinator and the exec dispatcher.
type ExecutionConfig struct {
	MaxConcurrency   int           `mapstructure:"max_concurrency"`
	CriticalPriority string        `mapstructure:"critical_priority"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	// Command runs each task. Agents may override it.
	Command string `mapstructure:"command"`
	WorkDir string `mapstructure:"work_dir"`
	// Dispatch bounds each task dispatch.
	Dispatch timeout.Config `mapstructure:"dispatch"`
}

// AgentConfig registers one agent with the pool.
type AgentConfig struct {
	agent.Handle `mapstructure:",squash"`
	// Command overrides Execution.Command for this agent.
	Command string `mapstructure:"command"`
}

// SignalsConfig controls the out-of-band cancel watcher.
type SignalsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	// Retain keeps signals for operations that have not started yet.
	Retain time.Duration `mapstructure:"retain"`
}

// WorkflowConfig controls workflow record retention.
type WorkflowConfig struct {
	// Retention is how long finished workflow records are kept. Zero keeps
	// them forever.
	Retention time.Duration `mapstructure:"retention"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (TASKWEAVE_*, ANTHROPIC_API_KEY)
// 2. Project config (.taskweave.yaml in current directory or parent)
// 3. User config (~/.config/taskweave/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment overrides still apply.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Storage.Path = expandEnv(cfg.Storage.Path)
	cfg.Log.File = expandEnv(cfg.Log.File)
	cfg.Signals.Dir = expandEnv(cfg.Signals.Dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("decompose.max_depth", d.Decompose.MaxDepth)
	v.SetDefault("decompose.cache_size", d.Decompose.CacheSize)
	setTimeoutDefaults(v, "decompose.oracle", d.Decompose.Oracle)

	v.SetDefault("execution.max_concurrency", d.Execution.MaxConcurrency)
	v.SetDefault("execution.critical_priority", d.Execution.CriticalPriority)
	v.SetDefault("execution.tick_interval", d.Execution.TickInterval.String())
	v.SetDefault("execution.command", "")
	v.SetDefault("execution.work_dir", "")
	setTimeoutDefaults(v, "execution.dispatch", d.Execution.Dispatch)

	v.SetDefault("signals.enabled", d.Signals.Enabled)
	v.SetDefault("signals.dir", d.Signals.Dir)
	v.SetDefault("signals.retain", d.Signals.Retain.String())

	v.SetDefault("workflow.retention", d.Workflow.Retention.String())
}

func setTimeoutDefaults(v *viper.Viper, prefix string, c timeout.Config) {
	v.SetDefault(prefix+".base_timeout", c.BaseTimeout.String())
	v.SetDefault(prefix+".max_timeout", c.MaxTimeout.String())
	v.SetDefault(prefix+".max_retries", c.MaxRetries)
	v.SetDefault(prefix+".backoff_base", c.BackoffBase.String())
	v.SetDefault(prefix+".backoff_factor", c.BackoffFactor)
	v.SetDefault(prefix+".backoff_max", c.BackoffMax.String())
	v.SetDefault(prefix+".partial_result_threshold", c.PartialResultThreshold)
}

// Default returns a Config with default values.
func Default() *Config {
	p := policy.Default()
	return &Config{
		Storage: StorageConfig{Path: state.DefaultPath()},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Decompose: DecomposeConfig{
			MaxDepth:  3,
			CacheSize: 512,
			Oracle:    timeout.DefaultConfig(),
		},
		Execution: ExecutionConfig{
			MaxConcurrency:   p.Scheduling.MaxConcurrency,
			CriticalPriority: string(p.Scheduling.CriticalPriority),
			TickInterval:     p.Loop.TickInterval,
			Dispatch:         p.Dispatch,
		},
		Signals: SignalsConfig{
			Enabled: true,
			Dir:     filepath.Join(filepath.Dir(state.DefaultPath()), "signals"),
			Retain:  time.Minute,
		},
		Workflow: WorkflowConfig{Retention: p.Retention.Window},
	}
}

// Validate checks ranges and agent definitions.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is empty"))
	}
	if c.Decompose.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("decompose.max_depth %d must be at least 1", c.Decompose.MaxDepth))
	}
	if c.Decompose.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("decompose.cache_size %d is negative", c.Decompose.CacheSize))
	}
	if c.Execution.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("execution.max_concurrency %d must be at least 1", c.Execution.MaxConcurrency))
	}
	if !models.Priority(strings.ToLower(c.Execution.CriticalPriority)).Valid() {
		errs = append(errs, fmt.Errorf("execution.critical_priority %q is not a priority", c.Execution.CriticalPriority))
	}
	for name, tc := range map[string]timeout.Config{"decompose.oracle": c.Decompose.Oracle, "execution.dispatch": c.Execution.Dispatch} {
		if (tc.PartialResultThreshold < 0 && tc.PartialResultThreshold != timeout.AcceptAnyProgress) || tc.PartialResultThreshold > 1 {
			errs = append(errs, fmt.Errorf("%s.partial_result_threshold %v must be within 0-1, or -1 for any progress", name, tc.PartialResultThreshold))
		}
		if tc.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s.max_retries %d is negative", name, tc.MaxRetries))
		}
	}
	if c.Workflow.Retention < 0 {
		errs = append(errs, fmt.Errorf("workflow.retention %v is negative", c.Workflow.Retention))
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d] has no id", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d] duplicates id %q", i, a.ID))
		case a.Capacity < 1:
			errs = append(errs, fmt.Errorf("agent %q capacity %d must be at least 1", a.ID, a.Capacity))
		}
		seen[a.ID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Policy returns the coordinator policy described by the config.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Scheduling.MaxConcurrency = c.Execution.MaxConcurrency
	p.Scheduling.CriticalPriority = models.ParsePriority(c.Execution.CriticalPriority)
	p.Loop.TickInterval = c.Execution.TickInterval
	p.Retention.Window = c.Workflow.Retention
	p.Dispatch = c.Execution.Dispatch
	return p.Normalize()
}

// AgentHandles returns the configured agents, or a single wildcard agent
// with MaxConcurrency slots when none are configured.
func (c *Config) AgentHandles() []agent.Handle {
	if len(c.Agents) == 0 {
		return []agent.Handle{{ID: "local", Capabilities: []string{agent.Wildcard}, Capacity: c.Execution.MaxConcurrency}}
	}
	out := make([]agent.Handle, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, a.Handle)
	}
	return out
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// getUserConfigDir returns the XDG config directory for taskweave.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "taskweave")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "taskweave")
	}
	return filepath.Join(home, ".config", "taskweave")
}

// findProjectConfig searches for .taskweave.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}
