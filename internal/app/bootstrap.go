package app

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"servctl/internal/config"
	"servctl/pkg/logging"
)

// Application is the main application structure that bootstraps and runs
// the servctl API server.
type Application struct {
	config   *Config
	services *Services
}

// NewApplication loads the configuration and initializes all services.
func NewApplication(cfg *Config) (*Application, error) {
	return newApplication(cfg, afero.NewOsFs())
}

func newApplication(cfg *Config, fs afero.Fs) (*Application, error) {
	// CLI logging until the configured level and format are known
	logging.InitForCLI(cliLevel(cfg.Debug), os.Stderr)

	var servctlCfg config.ServctlConfig
	var err error

	if cfg.ConfigPath != "" {
		servctlCfg, err = config.LoadConfigFromPath(cfg.ConfigPath)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load servctl configuration from path: %s", cfg.ConfigPath)
			return nil, fmt.Errorf("failed to load servctl configuration from path %s: %w", cfg.ConfigPath, err)
		}
		logging.Info("Bootstrap", "Loaded configuration from custom path: %s", cfg.ConfigPath)
	} else {
		servctlCfg, err = config.LoadConfig()
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load servctl configuration")
			return nil, fmt.Errorf("failed to load servctl configuration: %w", err)
		}
		logging.Info("Bootstrap", "Loaded configuration using layered approach")
	}

	cfg.ServctlConfig = &servctlCfg

	level := logging.ParseLevel(servctlCfg.GlobalSettings.LogLevel)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.InitForServe(level, os.Stderr, servctlCfg.GlobalSettings.LogFormat)

	services, err := InitializeServices(cfg, fs)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	logging.Info("Bootstrap", "Initialized %d servers", len(services.Manager.List()))

	return &Application{
		config:   cfg,
		services: services,
	}, nil
}

// Services exposes the initialized services.
func (a *Application) Services() *Services {
	return a.services
}

// Run serves the API until ctx is cancelled, a termination signal arrives or
// the listener fails.
func (a *Application) Run(ctx context.Context) error {
	return runServe(ctx, a.config, a.services)
}

func cliLevel(debug bool) logging.LogLevel {
	if debug {
		return logging.LevelDebug
	}
	return logging.LevelInfo
}
