// Package config provides configuration for the run coordinator.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names an optional YAML file loaded before the environment.
const EnvConfigFile = "GOGO_CONFIG"

// Config holds the server configuration.
type Config struct {
	// Server settings
	WSPort   int `yaml:"ws_port"`   // WebSocket port
	HTTPPort int `yaml:"http_port"` // Internal REST, /health and /metrics

	// Database
	DatabaseDriver string `yaml:"database_driver"`
	DatabaseURL    string `yaml:"database_url"`

	// Auth settings
	APIKey string `yaml:"api_key"` // Static API key for hello.api_key validation

	// WebSocket settings
	PingInterval   time.Duration `yaml:"ws_ping_interval"`
	WriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	ReadTimeout    time.Duration `yaml:"ws_read_timeout"`
	MaxMessageSize int64         `yaml:"ws_max_message_size"`
	SendBuffer     int           `yaml:"ws_send_buffer"`

	// Run settings
	CancelGrace time.Duration `yaml:"cancel_grace"`
	RunTimeout  time.Duration `yaml:"run_timeout"`

	// Retention
	EventRetention    time.Duration `yaml:"event_retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	// Inbound control rate limit per session
	ControlRatePerSec float64 `yaml:"control_rate_per_sec"`
	ControlBurst      int     `yaml:"control_burst"`

	// Generation
	LLMProvider string `yaml:"llm_provider"`
	LLMBaseURL  string `yaml:"llm_base_url"`
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMModel    string `yaml:"llm_model"`

	// Control policy override (rego source file)
	PolicyFile string `yaml:"policy_file"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WSPort:            8090,
		HTTPPort:          8091,
		DatabaseDriver:    "sqlite3",
		DatabaseURL:       "file:gogo.db?cache=shared&mode=rwc",
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		MaxMessageSize:    65536,
		SendBuffer:        256,
		CancelGrace:       3 * time.Second,
		RunTimeout:        5 * time.Minute,
		EventRetention:    72 * time.Hour,
		RetentionSchedule: "*/15 * * * *",
		ControlRatePerSec: 5,
		ControlBurst:      10,
		LLMProvider:       "mock",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load loads configuration from the optional YAML file and then from
// environment variables, which take precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.WSPort = getEnvInt("WS_PORT", c.WSPort)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.PingInterval = getEnvMillis("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvMillis("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvMillis("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))
	c.SendBuffer = getEnvInt("WS_SEND_BUFFER", c.SendBuffer)
	c.CancelGrace = getEnvMillis("CANCEL_GRACE_MS", c.CancelGrace)
	c.RunTimeout = getEnvMillis("RUN_TIMEOUT_MS", c.RunTimeout)
	c.EventRetention = time.Duration(getEnvInt("EVENT_RETENTION_HOURS", int(c.EventRetention/time.Hour))) * time.Hour
	c.RetentionSchedule = getEnv("RETENTION_SCHEDULE", c.RetentionSchedule)
	c.ControlRatePerSec = getEnvFloat("CONTROL_RATE_PER_SEC", c.ControlRatePerSec)
	c.ControlBurst = getEnvInt("CONTROL_BURST", c.ControlBurst)
	c.LLMProvider = getEnv("LLM_PROVIDER", c.LLMProvider)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate checks values that would make the server misbehave.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.WSPort <= 0 || c.HTTPPort <= 0 {
		return fmt.Errorf("ports must be positive")
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("CANCEL_GRACE_MS must be positive")
	}
	if c.PingInterval <= 0 || c.WriteTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("websocket intervals must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
