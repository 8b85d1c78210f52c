package app

import (
	"servctl/internal/config"
)

// Config holds the application configuration
type Config struct {
	// ConfigPath selects a single configuration file instead of the layered
	// user and project files.
	ConfigPath string

	// Debug forces debug logging regardless of the configured level.
	Debug bool

	// Version is reported by the API.
	Version string

	// Loaded by NewApplication.
	ServctlConfig *config.ServctlConfig
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug bool, version string) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
		Version:    version,
	}
}
