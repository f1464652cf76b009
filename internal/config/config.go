package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Instance InstanceConfig `json:"instance"`
	Notify   NotifyConfig   `json:"notify"`
}

type ServerConfig struct {
	Port           int    `json:"port"`
	LogLevel       string `json:"log_level"`
	TurnTimeoutSec int    `json:"turn_timeout_sec"`
}

// TurnTimeout is the hard wall-clock ceiling for one invocation's turn.
func (s ServerConfig) TurnTimeout() time.Duration {
	if s.TurnTimeoutSec <= 0 {
		return 8 * time.Minute
	}
	return time.Duration(s.TurnTimeoutSec) * time.Second
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type RuntimeConfig struct {
	Endpoint      string `json:"endpoint"`
	APIKey        string `json:"api_key"`
	Model         string `json:"model"`
	MaxToolRounds int    `json:"max_tool_rounds"`
}

type InstanceConfig struct {
	// Mode selects the provider backend: "chromedp" for the local browser
	// sandbox, "remote" for an external provider endpoint.
	Mode              string       `json:"mode"`
	Headless          bool         `json:"headless"`
	AutoResumeOnPause bool         `json:"auto_resume_on_pause"`
	Remote            RemoteConfig `json:"remote"`
}

// RemoteConfig points at an external instance provider API.
type RemoteConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

type NotifyConfig struct {
	Slack SlackConfig `json:"slack"`
}

type SlackConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
