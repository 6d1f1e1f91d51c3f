// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Queue      QueueConfig      `mapstructure:"queue"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Automation AutomationConfig `mapstructure:"automation"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Health     HealthConfig     `mapstructure:"health"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_minutes"`
}

// QueueConfig governs job defaults at enqueue time.
type QueueConfig struct {
	DefaultPriority int `mapstructure:"default_priority"`
	MaxRetries      int `mapstructure:"max_retries"`
}

// RateLimitConfig bounds the scarce external upload quota.
type RateLimitConfig struct {
	DailyLimit    int    `mapstructure:"daily_limit"`
	HourlyLimit   int    `mapstructure:"hourly_limit"`
	ResetHour     int    `mapstructure:"reset_hour"`
	ResetTimezone string `mapstructure:"reset_timezone"`
}

// SchedulerConfig sets recurring trigger cadences.
type SchedulerConfig struct {
	DiscoveryIntervalHours float64 `mapstructure:"discovery_interval_hours"`
	HealthIntervalSeconds  int     `mapstructure:"health_interval_seconds"`
	SummaryTime            string  `mapstructure:"summary_time"`
	PollIntervalSeconds    int     `mapstructure:"poll_interval_seconds"`
}

// AutomationConfig governs the drain loop.
type AutomationConfig struct {
	MaxPerCycle         int `mapstructure:"max_per_cycle"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	WaitChunkSeconds    int `mapstructure:"wait_chunk_seconds"`
}

// ProcessingConfig locates the external clip pipeline and the options
// handed to it per job.
type ProcessingConfig struct {
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	WorkDir   string   `mapstructure:"work_dir"`
	ModelSize string   `mapstructure:"model_size"`
	Workers   int      `mapstructure:"workers"`
	UseCache  bool     `mapstructure:"use_cache"`
	Upload    bool     `mapstructure:"upload"`
}

// DiscoveryConfig lists feed sources and pacing for content discovery.
type DiscoveryConfig struct {
	Feeds          []string `mapstructure:"feeds"`
	MaxPerFeed     int      `mapstructure:"max_per_feed"`
	UserAgent      string   `mapstructure:"user_agent"`
	RequestsPerSec float64  `mapstructure:"requests_per_sec"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
}

// NotifyConfig selects the notification channel.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// HealthConfig holds thresholds for the health monitor.
type HealthConfig struct {
	DiskPath           string  `mapstructure:"disk_path"`
	DiskWarning        float64 `mapstructure:"disk_warning"`
	DiskCritical       float64 `mapstructure:"disk_critical"`
	MemoryWarning      float64 `mapstructure:"memory_warning"`
	PendingWarning     int     `mapstructure:"pending_warning"`
	FailedWarning      int     `mapstructure:"failed_warning"`
	ErrorWindowMinutes int     `mapstructure:"error_window_minutes"`
	ErrorRateThreshold float64 `mapstructure:"error_rate_threshold"`
	APIKey             string  `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLIPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("ratelimit.daily_limit", 6)
	v.SetDefault("ratelimit.hourly_limit", 3)
	v.SetDefault("ratelimit.reset_hour", 0)
	v.SetDefault("ratelimit.reset_timezone", "UTC")
	v.SetDefault("scheduler.discovery_interval_hours", 6.0)
	v.SetDefault("scheduler.health_interval_seconds", 300)
	v.SetDefault("scheduler.summary_time", "23:00")
	v.SetDefault("scheduler.poll_interval_seconds", 60)
	v.SetDefault("automation.max_per_cycle", 5)
	v.SetDefault("automation.poll_interval_seconds", 300)
	v.SetDefault("automation.wait_chunk_seconds", 3600)
	v.SetDefault("processing.command", "openclip")
	v.SetDefault("processing.args", []string{"process", "{url}"})
	v.SetDefault("processing.workers", 1)
	v.SetDefault("processing.use_cache", true)
	v.SetDefault("processing.upload", true)
	v.SetDefault("discovery.max_per_feed", 10)
	v.SetDefault("discovery.user_agent", "clipd/0.1")
	v.SetDefault("discovery.requests_per_sec", 1.0)
	v.SetDefault("discovery.timeout_seconds", 15)
	v.SetDefault("notify.provider", "log")
	v.SetDefault("health.disk_path", "/")
	v.SetDefault("health.disk_warning", 0.8)
	v.SetDefault("health.disk_critical", 0.9)
	v.SetDefault("health.memory_warning", 0.85)
	v.SetDefault("health.pending_warning", 100)
	v.SetDefault("health.failed_warning", 10)
	v.SetDefault("health.error_window_minutes", 60)
	v.SetDefault("health.error_rate_threshold", 0.2)
	v.SetDefault("logging.development", true)
}

// Validate checks cross-field constraints that Viper cannot express.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0, got %d", c.Queue.MaxRetries)
	}
	if c.RateLimit.DailyLimit <= 0 {
		return fmt.Errorf("ratelimit.daily_limit must be positive, got %d", c.RateLimit.DailyLimit)
	}
	if c.RateLimit.HourlyLimit <= 0 {
		return fmt.Errorf("ratelimit.hourly_limit must be positive, got %d", c.RateLimit.HourlyLimit)
	}
	if c.RateLimit.ResetHour < 0 || c.RateLimit.ResetHour > 23 {
		return fmt.Errorf("ratelimit.reset_hour must be in [0, 23], got %d", c.RateLimit.ResetHour)
	}
	if _, err := time.LoadLocation(c.RateLimit.ResetTimezone); err != nil {
		return fmt.Errorf("ratelimit.reset_timezone: %w", err)
	}
	if _, err := time.Parse("15:04", c.Scheduler.SummaryTime); err != nil {
		return fmt.Errorf("scheduler.summary_time must be HH:MM: %w", err)
	}
	if c.Automation.MaxPerCycle <= 0 {
		return fmt.Errorf("automation.max_per_cycle must be positive, got %d", c.Automation.MaxPerCycle)
	}
	if c.Processing.Command == "" {
		return fmt.Errorf("processing.command is required")
	}
	switch c.Notify.Provider {
	case "log":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicID == "" {
			return fmt.Errorf("notify.provider is 'pubsub' but project_id or topic_id is not set")
		}
	default:
		return fmt.Errorf("unknown notify provider: %s", c.Notify.Provider)
	}
	if c.Health.DiskWarning >= c.Health.DiskCritical {
		return fmt.Errorf("health.disk_warning must be below health.disk_critical")
	}
	return nil
}
