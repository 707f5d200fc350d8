// ABOUTME: Configuration loading and parsing for parley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the config file leaves them unset.
const (
	DefaultHistoryLimit = 10
	DefaultReplayLimit  = 5
	DefaultPageLimit    = 10
)

// Config represents the complete parley-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Chat     ChatConfig     `yaml:"chat"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShutdownTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the storage backend
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mongo"
	Driver string `yaml:"driver"`
	// Path is the SQLite database file path
	Path string `yaml:"path"`
	// URI and Name configure the Mongo backend
	URI  string `yaml:"uri"`
	Name string `yaml:"name"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// BackendConfig holds generative backend configuration
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	RequestTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// ChatConfig holds conversation protocol limits
type ChatConfig struct {
	// HistoryLimit bounds the prior messages sent to the backend per reply
	HistoryLimit int `yaml:"history_limit"`
	// ReplayLimit bounds the conversations summarized on connect
	ReplayLimit int `yaml:"replay_limit"`
	// PageLimit bounds repository page size when loading a user's conversations
	PageLimit int `yaml:"page_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset optional fields
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Name == "" {
		c.Database.Name = "parley"
	}
	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = DefaultHistoryLimit
	}
	if c.Chat.ReplayLimit <= 0 {
		c.Chat.ReplayLimit = DefaultReplayLimit
	}
	if c.Chat.PageLimit <= 0 {
		c.Chat.PageLimit = DefaultPageLimit
	}
	if c.Backend.Model == "" {
		c.Backend.Model = "gpt-4o"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mongo":
		if c.Database.URI == "" {
			return fmt.Errorf("database.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"mongo\", got %q", c.Database.Driver)
	}

	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend.api_key is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Backend.RequestTimeoutRaw != "" {
		cfg.Backend.RequestTimeout, err = time.ParseDuration(cfg.Backend.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Backend.RequestTimeoutRaw, err)
		}
	}

	return nil
}
