// ABOUTME: YAML configuration for relayd with environment expansion and validation
// ABOUTME: Duration fields accept Go duration strings like "5s" or "250ms"

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "5s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full relayd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Context   ContextConfig   `yaml:"context"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig controls the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// WebSocketConfig controls the live connection surface.
type WebSocketConfig struct {
	SendTimeout Duration `yaml:"send_timeout"`
}

// ContextConfig sets defaults for the context window builder.
type ContextConfig struct {
	DefaultMaxTokens int `yaml:"default_max_tokens"`
	DefaultWindow    int `yaml:"default_window"`
}

// Default returns a configuration with sensible defaults for local use.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: ":8420"},
		Database: DatabaseConfig{Path: "data/relayd.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		WebSocket: WebSocketConfig{
			SendTimeout: Duration(5 * time.Second),
		},
		Context: ContextConfig{
			DefaultMaxTokens: 2000,
			DefaultWindow:    20,
		},
	}
}

// Load reads a YAML config file, expanding ${ENV} references before parsing.
// Values not present keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.WebSocket.SendTimeout.Std() <= 0 {
		return fmt.Errorf("websocket.send_timeout must be positive")
	}
	if c.Context.DefaultMaxTokens <= 0 {
		return fmt.Errorf("context.default_max_tokens must be positive")
	}
	if c.Context.DefaultWindow <= 0 {
		return fmt.Errorf("context.default_window must be positive")
	}
	return nil
}
