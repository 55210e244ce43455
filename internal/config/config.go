// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Scheduler() SchedulerConfig
	Wait() WaitConfig
	Browser() BrowserConfig
	Journal() JournalConfig
	Metrics() MetricsConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserExecPath(string)

	// Journal Setters
	SetJournalEnabled(bool)
	SetJournalDatabaseURL(string)

	// Metrics Setters
	SetMetricsEnabled(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	SchedulerCfg SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	WaitCfg      WaitConfig      `mapstructure:"wait" yaml:"wait"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	JournalCfg   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	MetricsCfg   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Scheduler() SchedulerConfig { return c.SchedulerCfg }
func (c *Config) Wait() WaitConfig           { return c.WaitCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Journal() JournalConfig     { return c.JournalCfg }
func (c *Config) Metrics() MetricsConfig     { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserExecPath(path string) { c.BrowserCfg.ExecPath = path }

// Journal Setters
func (c *Config) SetJournalEnabled(b bool)         { c.JournalCfg.Enabled = b }
func (c *Config) SetJournalDatabaseURL(url string) { c.JournalCfg.DatabaseURL = url }

// Metrics Setters
func (c *Config) SetMetricsEnabled(b bool) { c.MetricsCfg.Enabled = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SchedulerConfig tunes the session's processing tick.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
}

// WaitConfig tunes condition polling.
type WaitConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
}

// BrowserConfig holds settings for the chromedp backend.
type BrowserConfig struct {
	Headless             bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath             string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args                 []string      `mapstructure:"args" yaml:"args"`
	UserAgent            string        `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors      bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	WindowWidth          int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight         int           `mapstructure:"window_height" yaml:"window_height"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout        time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	MaxCommandsPerSecond float64       `mapstructure:"max_commands_per_second" yaml:"max_commands_per_second"`
	Timezone             string        `mapstructure:"timezone" yaml:"timezone"`
	Locale               string        `mapstructure:"locale" yaml:"locale"`
	Languages            []string      `mapstructure:"languages" yaml:"languages"`
}

// JournalConfig configures persistence of finished commands.
type JournalConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	DatabaseURL   string        `mapstructure:"database_url" yaml:"database_url"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// MetricsConfig configures the prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sequencer")
	v.SetDefault("logger.log_file", "sequencer.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Scheduler --
	v.SetDefault("scheduler.tick_interval", "10ms")

	// -- Wait --
	v.SetDefault("wait.poll_interval", "10ms")
	v.SetDefault("wait.default_timeout", "10s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.max_commands_per_second", 20.0)

	// -- Journal --
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.buffer_size", 1024)
	v.SetDefault("journal.batch_size", 100)
	v.SetDefault("journal.flush_interval", "2s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("journal.database_url", "SEQUENCER_JOURNAL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the DSN if Unmarshal didn't pick it up
	if cfg.JournalCfg.Enabled && cfg.JournalCfg.DatabaseURL == "" {
		cfg.JournalCfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.SchedulerCfg.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be a positive duration")
	}
	if c.WaitCfg.PollInterval <= 0 {
		return fmt.Errorf("wait.poll_interval must be a positive duration")
	}
	if c.BrowserCfg.MaxCommandsPerSecond < 0 {
		return fmt.Errorf("browser.max_commands_per_second must not be negative")
	}
	if err := c.JournalCfg.Validate(); err != nil {
		return fmt.Errorf("journal configuration invalid: %w", err)
	}
	if c.MetricsCfg.Enabled && c.MetricsCfg.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// Validate checks the Journal configuration.
func (j *JournalConfig) Validate() error {
	if !j.Enabled {
		return nil
	}
	if j.DatabaseURL == "" {
		return fmt.Errorf("database_url is required but not found. Ensure SEQUENCER_JOURNAL_DATABASE_URL is set")
	}
	if j.BufferSize <= 0 || j.BatchSize <= 0 {
		return fmt.Errorf("buffer_size and batch_size must be positive integers")
	}
	if j.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be a positive duration")
	}
	return nil
}
