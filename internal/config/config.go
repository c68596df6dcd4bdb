// Package config loads server configuration from the environment, with an
// optional yaml file for the settings that are awkward as env vars.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkarlsso/pomosync/internal/registry"
)

// Config holds the registry server configuration.
type Config struct {
	Port            string   `yaml:"port"`
	LogLevel        string   `yaml:"log_level"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxParticipants int      `yaml:"max_participants"`
	MaxChatHistory  int      `yaml:"max_chat_history"`
	NATSURL         string   `yaml:"nats_url"`

	PingIntervalSec int `yaml:"ping_interval_sec"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		MaxParticipants: 16,
		MaxChatHistory:  200,
		PingIntervalSec: 30,
		ReadTimeoutSec:  60,
		WriteTimeoutSec: 10,
	}
}

// Load builds the configuration: defaults, then the optional yaml file named
// by POMOSYNC_CONFIG, then environment variable overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("POMOSYNC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.MaxParticipants = getEnvAsInt("MAX_PARTICIPANTS", cfg.MaxParticipants)
	cfg.MaxChatHistory = getEnvAsInt("MAX_CHAT_HISTORY", cfg.MaxChatHistory)

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// RegistryConfig translates the loaded settings into registry configuration.
func (c *Config) RegistryConfig() registry.Config {
	rc := registry.DefaultConfig()
	rc.MaxParticipants = c.MaxParticipants
	rc.MaxChatHistory = c.MaxChatHistory
	rc.Connection.PingInterval = time.Duration(c.PingIntervalSec) * time.Second
	rc.Connection.ReadTimeout = time.Duration(c.ReadTimeoutSec) * time.Second
	rc.Connection.WriteTimeout = time.Duration(c.WriteTimeoutSec) * time.Second
	if len(c.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(c.AllowedOrigins))
		for _, o := range c.AllowedOrigins {
			allowed[o] = true
		}
		rc.Connection.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return rc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
