// Package config loads the licensing server configuration from
// environment variables (KEYMINT_* prefix) with an optional YAML file
// overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Keys     KeysConfig     `yaml:"keys" envconfig:"KEYS"`
	Trial    TrialConfig    `yaml:"trial" envconfig:"TRIAL"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/keymint.log"`
}

// DatabaseConfig locates the SQLite record store.
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/keymint.db"`
}

// KeysConfig locates the two-file signing key store.
type KeysConfig struct {
	Dir string `yaml:"dir" envconfig:"DIR" default:"keys"`
}

// TrialConfig tunes trial metering and abuse detection.
type TrialConfig struct {
	StartingCredits int           `yaml:"starting_credits" envconfig:"STARTING_CREDITS" default:"50"`
	StaleAfter      time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER" default:"2160h"`
	SweepInterval   time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL" default:"1h"`
	DebounceWindow  time.Duration `yaml:"debounce_window" envconfig:"DEBOUNCE_WINDOW" default:"24h"`
}

// SecurityConfig guards the privileged issuer endpoint and rate-limits
// activation attempts.
type SecurityConfig struct {
	AdminToken string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	RateLimit  RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"5"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"10"`
}

// Load loads configuration from environment variables (with struct
// defaults), then overlays the optional YAML file at
// KEYMINT_CONFIG_FILE (default keymint.yml). File values win.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("KEYMINT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := os.Getenv("KEYMINT_CONFIG_FILE")
	if configFile == "" {
		configFile = "keymint.yml"
	}
	if _, err := os.Stat(configFile); err == nil {
		if err := loadFromFile(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Trial.StartingCredits < 0 {
		return fmt.Errorf("starting credits must not be negative: %d", c.Trial.StartingCredits)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.Keys.Dir == "" {
		return fmt.Errorf("keys dir must not be empty")
	}
	return nil
}
