// Package config provides configuration management for Taskhive.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Taskhive.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	LongPoll   LongPollConfig   `mapstructure:"longpoll"`
	EventBus   EventBusConfig   `mapstructure:"eventbus"`
	Subprocess SubprocessConfig `mapstructure:"subprocess"`
	MCP        MCPConfig        `mapstructure:"mcp"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LongPollConfig tunes the get_next_task dispatcher.
type LongPollConfig struct {
	// TimeToWaitForTask is the maximum time a get_next_task call blocks
	// waiting for claimable work before returning the requery sentinel.
	TimeToWaitForTask time.Duration `mapstructure:"timeToWaitForTask"`

	// PollingInterval is the defensive requery tick inside the wait loop.
	// It protects against missed wake-up events; the event subscription is
	// the primary wake mechanism.
	PollingInterval time.Duration `mapstructure:"pollingInterval"`

	// MaxRetries caps consecutive claim-race losses before the dispatcher
	// gives up and returns the requery sentinel.
	MaxRetries int `mapstructure:"maxRetries"`
}

// SubscriberConfig configures one event-bus subscriber category.
type SubscriberConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Overflow string `mapstructure:"overflow"` // block, dropOldest, coalesce
}

// EventBusConfig holds per-subscriber-category channel configuration.
type EventBusConfig struct {
	Subscribers map[string]SubscriberConfig `mapstructure:"subscribers"`
}

// Subscriber returns the configuration for a named subscriber category,
// falling back to the defaults (capacity 64, block) when unset.
func (e *EventBusConfig) Subscriber(name string) SubscriberConfig {
	sub, ok := e.Subscribers[name]
	if !ok {
		return SubscriberConfig{Capacity: 64, Overflow: "block"}
	}
	if sub.Capacity <= 0 {
		sub.Capacity = 64
	}
	if sub.Overflow == "" {
		sub.Overflow = "block"
	}
	return sub
}

// SubprocessConfig holds agent subprocess launch and termination
// configuration. An empty Command disables the launch_agent tool; agents can
// still register themselves over MCP.
type SubprocessConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`

	// KillGracePeriod is how long Kill waits between SIGTERM and SIGKILL.
	KillGracePeriod time.Duration `mapstructure:"killGracePeriod"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// NATSConfig holds the optional external event mirror configuration.
// An empty URL disables the mirror entirely.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKHIVE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskhive.db"
	}
	return filepath.Join(home, ".taskhive", "taskhive.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", defaultDatabasePath())

	// Long-poll dispatcher defaults
	v.SetDefault("longpoll.timeToWaitForTask", 5*time.Minute)
	v.SetDefault("longpoll.pollingInterval", time.Second)
	v.SetDefault("longpoll.maxRetries", 10)

	// Event bus subscriber defaults. The audit subscriber must never
	// back-pressure publishers, so it drops oldest on overflow.
	v.SetDefault("eventbus.subscribers.tasks.capacity", 64)
	v.SetDefault("eventbus.subscribers.tasks.overflow", "block")
	v.SetDefault("eventbus.subscribers.agents.capacity", 64)
	v.SetDefault("eventbus.subscribers.agents.overflow", "block")
	v.SetDefault("eventbus.subscribers.audit.capacity", 256)
	v.SetDefault("eventbus.subscribers.audit.overflow", "dropOldest")

	// Subprocess defaults - empty command disables agent launching
	v.SetDefault("subprocess.command", "")
	v.SetDefault("subprocess.args", []string{})
	v.SetDefault("subprocess.killGracePeriod", 5*time.Second)

	// MCP server defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// NATS defaults - empty URL means the mirror is disabled
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "taskhive")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKHIVE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskhive/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "TASKHIVE_DB_PATH", "TASKHIVE_DATABASE_PATH")
	_ = v.BindEnv("longpoll.timeToWaitForTask", "TASKHIVE_LONGPOLL_TIME_TO_WAIT_FOR_TASK")
	_ = v.BindEnv("longpoll.pollingInterval", "TASKHIVE_LONGPOLL_POLLING_INTERVAL")
	_ = v.BindEnv("longpoll.maxRetries", "TASKHIVE_LONGPOLL_MAX_RETRIES")
	_ = v.BindEnv("subprocess.command", "TASKHIVE_SUBPROCESS_COMMAND")
	_ = v.BindEnv("subprocess.killGracePeriod", "TASKHIVE_SUBPROCESS_KILL_GRACE_PERIOD")
	_ = v.BindEnv("mcp.port", "TASKHIVE_MCP_PORT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskhive/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.LongPoll.TimeToWaitForTask <= 0 {
		errs = append(errs, "longpoll.timeToWaitForTask must be positive")
	}
	if cfg.LongPoll.PollingInterval <= 0 {
		errs = append(errs, "longpoll.pollingInterval must be positive")
	}
	if cfg.LongPoll.MaxRetries <= 0 {
		errs = append(errs, "longpoll.maxRetries must be positive")
	}

	for name, sub := range cfg.EventBus.Subscribers {
		switch sub.Overflow {
		case "", "block", "dropOldest", "coalesce":
		default:
			errs = append(errs, fmt.Sprintf("eventbus.subscribers.%s.overflow must be one of: block, dropOldest, coalesce", name))
		}
		if sub.Capacity < 0 {
			errs = append(errs, fmt.Sprintf("eventbus.subscribers.%s.capacity must not be negative", name))
		}
	}

	if cfg.Subprocess.KillGracePeriod < 0 {
		errs = append(errs, "subprocess.killGracePeriod must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
