// ABOUTME: Configuration loading for the parley terminal client
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Chat    ChatConfig    `toml:"chat"`
}

type GatewayConfig struct {
	URL string `toml:"url"`
}

type ChatConfig struct {
	UserID string `toml:"user_id"`
}

// defaultConfigPath returns XDG_CONFIG_HOME/parley/tui.toml.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tui.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "parley", "tui.toml")
}

// loadConfig reads config from the given path, expanding environment
// variables. A missing file yields defaults rather than an error.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Gateway.URL = "http://localhost:8080"

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	if _, err := url.Parse(c.Gateway.URL); err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	return nil
}
