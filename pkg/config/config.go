// Package config loads the server configuration from pairit.yaml plus the
// process environment. Secrets (database password, LLM provider API keys)
// never appear in the YAML file; they are read from the environment only.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved server configuration.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Media   MediaConfig   `yaml:"media"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Log     LogConfig     `yaml:"log"`

	// Store selects the persistence backend: "postgres" or "memory".
	// Memory is for local development only; it loses everything on restart.
	Store string `yaml:"store"`
}

// HTTPConfig groups the listener settings.
type HTTPConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MediaConfig groups the object store settings for the filesystem backend.
type MediaConfig struct {
	Dir            string `yaml:"dir"`
	BaseURL        string `yaml:"base_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// CleanupConfig drives the idle-session sweeper.
type CleanupConfig struct {
	// IdleAfter is how long a session may sit without activity before it is
	// abandoned. Zero disables the sweeper.
	IdleAfter time.Duration `yaml:"idle_after"`
	Interval  time.Duration `yaml:"interval"`
}

// LogConfig selects the log verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Media: MediaConfig{
			Dir:            "./media",
			BaseURL:        "http://localhost:8080/media",
			MaxUploadBytes: 5 << 20,
		},
		Cleanup: CleanupConfig{
			IdleAfter: 30 * time.Minute,
			Interval:  time.Minute,
		},
		Log:   LogConfig{Level: "info"},
		Store: "postgres",
	}
}

// Load reads the YAML file at path, expands environment references, and
// merges it over the defaults. A missing file is not an error; the defaults
// apply unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d is out of range", c.HTTP.Port)
	}
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("store must be %q or %q, got %q", "postgres", "memory", c.Store)
	}
	if c.Media.MaxUploadBytes <= 0 {
		return fmt.Errorf("media.max_upload_bytes must be positive")
	}
	if c.Cleanup.IdleAfter > 0 && c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive when the sweeper is enabled")
	}
	return nil
}
