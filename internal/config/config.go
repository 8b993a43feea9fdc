// Package config provides centralized configuration for NFA-Bayes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/cvalentine99/nfa-bayes/internal/logging"
)

// Config holds runtime settings. Every field can be overridden via
// environment variables.
type Config struct {
	// ModelPath is a YAML model definition. Empty selects the built-in model.
	ModelPath string

	// WatchModel reloads ModelPath when it changes.
	WatchModel bool

	// ListenAddr is the HTTP listen address for the serve command.
	ListenAddr string

	// LogLevel is one of debug, info, warn or error.
	LogLevel string

	// LogFormat is "text" or "json".
	LogFormat string

	// Workers is the number of classification workers for pcap analysis.
	Workers int
}

// Default returns the configuration with environment overrides applied.
// Values are determined by:
// 1. Environment variables (highest priority)
// 2. XDG Base Directory Specification for the model file
// 3. Built-in defaults
func Default() *Config {
	return &Config{
		ModelPath:  getEnvOrDefault("NFA_BAYES_MODEL", defaultModelPath()),
		WatchModel: getEnvBool("NFA_BAYES_WATCH_MODEL", false),
		ListenAddr: getEnvOrDefault("NFA_BAYES_LISTEN", "127.0.0.1:8080"),
		LogLevel:   getEnvOrDefault("NFA_BAYES_LOG_LEVEL", "info"),
		LogFormat:  getEnvOrDefault("NFA_BAYES_LOG_FORMAT", "text"),
		Workers:    getEnvInt("NFA_BAYES_WORKERS", runtime.NumCPU()),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen address is empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.WatchModel && c.ModelPath == "" {
		return errors.New("config: cannot watch the built-in model")
	}
	return nil
}

// LoggingConfig converts the settings to a logging configuration.
func (c *Config) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		lc.Level = level
	}
	lc.Format = c.LogFormat
	return lc
}

// getEnvOrDefault returns the environment variable value or the default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

// defaultModelPath returns the user model file if one exists.
func defaultModelPath() string {
	path := filepath.Join(getUserConfigDir(), "nfa-bayes", "model.yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return ""
}

// getUserConfigDir returns the user config directory following the XDG Base Directory layout.
func getUserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}

	home := os.Getenv("HOME")
	if home == "" {
		home = "/tmp"
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support")
	default:
		return filepath.Join(home, ".config")
	}
}
