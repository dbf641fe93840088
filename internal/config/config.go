// Package config provides layered configuration (defaults, YAML file, env
// vars) for the orchestrator daemon.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option the orchestrator core recognises.
type Config struct {
	ProjectPath     string          `mapstructure:"projectPath"`
	PollInterval    int             `mapstructure:"pollInterval"` // ms
	ShutdownDrainMs int             `mapstructure:"shutdownDrainMs"`
	Limits          LimitsConfig    `mapstructure:"limits"`
	TimeBasedUsage  TimeBasedConfig `mapstructure:"timeBasedUsage"`
	Logging         LoggingConfig   `mapstructure:"logging"`
	WorkflowsPath   string          `mapstructure:"workflowsPath"`
	NATSURL         string          `mapstructure:"natsUrl"`
}

// LimitsConfig holds the hard resource caps; the Capacity Monitor applies
// its mode thresholds as a percentage of these.
type LimitsConfig struct {
	MaxConcurrentTasks int    `mapstructure:"maxConcurrentTasks"`
	MaxTokensPerTask   int64  `mapstructure:"maxTokensPerTask"`
	MaxCostPerTask     string `mapstructure:"maxCostPerTask"` // decimal string, parsed via money.Parse
	DailyBudget        string `mapstructure:"dailyBudget"`
}

// ModeThresholds is a percentage-of-cap expressed per resource axis.
type ModeThresholds struct {
	TokensPct      int `mapstructure:"tokensPct"`
	CostPct        int `mapstructure:"costPct"`
	ConcurrencyPct int `mapstructure:"concurrencyPct"`
	BudgetPct      int `mapstructure:"budgetPct"`
}

// TimeBasedConfig configures the day/night/off-hours mode classifier.
type TimeBasedConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	DayModeHours      []int          `mapstructure:"dayModeHours"`
	NightModeHours    []int          `mapstructure:"nightModeHours"`
	DayModeThresholds ModeThresholds `mapstructure:"dayModeThresholds"`
	NightModeThresholds ModeThresholds `mapstructure:"nightModeThresholds"`
	OffHoursThresholds  ModeThresholds `mapstructure:"offHoursThresholds"`
}

// LoggingConfig carries the same three fields as logger.LoggingConfig, which
// cmd/apexd copies across. Its output path key is camelCase (outputPath) like
// every other option here; logger.LoggingConfig's own tag is output_path.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("projectPath", ".")
	v.SetDefault("pollInterval", 1000)
	v.SetDefault("shutdownDrainMs", 5000)

	v.SetDefault("limits.maxConcurrentTasks", 3)
	v.SetDefault("limits.maxTokensPerTask", 200000)
	v.SetDefault("limits.maxCostPerTask", "5.0000")
	v.SetDefault("limits.dailyBudget", "50.0000")

	v.SetDefault("timeBasedUsage.enabled", true)
	v.SetDefault("timeBasedUsage.dayModeHours", []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17})
	v.SetDefault("timeBasedUsage.nightModeHours", []int{18, 19, 20, 21, 22, 23})
	v.SetDefault("timeBasedUsage.dayModeThresholds.tokensPct", 80)
	v.SetDefault("timeBasedUsage.dayModeThresholds.costPct", 80)
	v.SetDefault("timeBasedUsage.dayModeThresholds.concurrencyPct", 80)
	v.SetDefault("timeBasedUsage.dayModeThresholds.budgetPct", 80)
	v.SetDefault("timeBasedUsage.nightModeThresholds.tokensPct", 100)
	v.SetDefault("timeBasedUsage.nightModeThresholds.costPct", 100)
	v.SetDefault("timeBasedUsage.nightModeThresholds.concurrencyPct", 100)
	v.SetDefault("timeBasedUsage.nightModeThresholds.budgetPct", 100)
	v.SetDefault("timeBasedUsage.offHoursThresholds.tokensPct", 50)
	v.SetDefault("timeBasedUsage.offHoursThresholds.costPct", 50)
	v.SetDefault("timeBasedUsage.offHoursThresholds.concurrencyPct", 50)
	v.SetDefault("timeBasedUsage.offHoursThresholds.budgetPct", 50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("workflowsPath", "")
	v.SetDefault("natsUrl", "")
}

// Load reads configuration from defaults, an optional config.yaml, and
// APEX_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("projectPath", "APEX_PROJECT_PATH")
	_ = v.BindEnv("logging.level", "APEX_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/apex/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.ProjectPath == "" {
		errs = append(errs, "projectPath must not be empty")
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, "pollInterval must be positive")
	}
	if cfg.ShutdownDrainMs <= 0 {
		errs = append(errs, "shutdownDrainMs must be positive")
	}
	if cfg.Limits.MaxConcurrentTasks <= 0 {
		errs = append(errs, "limits.maxConcurrentTasks must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(cfg.TimeBasedUsage.DayModeHours) == 0 && len(cfg.TimeBasedUsage.NightModeHours) == 0 && cfg.TimeBasedUsage.Enabled {
		errs = append(errs, "timeBasedUsage.dayModeHours/nightModeHours must not both be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// PollIntervalDuration returns PollInterval as a time.Duration.
func (c *Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Millisecond
}

// ShutdownDrainDuration returns ShutdownDrainMs as a time.Duration.
func (c *Config) ShutdownDrainDuration() time.Duration {
	return time.Duration(c.ShutdownDrainMs) * time.Millisecond
}
