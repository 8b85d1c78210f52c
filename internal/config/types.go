package config

import (
	"time"

	"servctl/internal/module"
	"servctl/internal/task"
)

// ServctlConfig is the top-level configuration structure for servctl.
type ServctlConfig struct {
	GlobalSettings GlobalSettings         `yaml:"globalSettings"`
	API            APIConfig              `yaml:"api"`
	ServerTypes    []ServerTypeDefinition `yaml:"serverTypes,omitempty" validate:"dive"`
	Servers        []ServerDefinition     `yaml:"servers,omitempty" validate:"dive"`
	Tasks          []task.ScriptSpec      `yaml:"tasks,omitempty" validate:"dive"`
}

// GlobalSettings apply to every server.
type GlobalSettings struct {
	// StateDir holds launch configurations, publish bookkeeping and saved
	// servers. A leading ~ is expanded.
	StateDir  string `yaml:"stateDir,omitempty" validate:"required"`
	LogLevel  string `yaml:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"logFormat,omitempty" validate:"omitempty,oneof=text json"`
	// RestartDelay is the pause between stop and start of a fallback restart.
	RestartDelay time.Duration `yaml:"restartDelay,omitempty" validate:"gte=0"`
	// WatchSources marks modules dirty when files under their source change.
	WatchSources bool     `yaml:"watchSources,omitempty"`
	WatchIgnores []string `yaml:"watchIgnores,omitempty"`
}

const (
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP = "streamable-http"
	// TransportSSE is the Server-Sent Events transport.
	TransportSSE = "sse"
)

// APIConfig defines where `servctl serve` listens.
type APIConfig struct {
	Host      string `yaml:"host,omitempty" validate:"required"`
	Port      int    `yaml:"port,omitempty" validate:"min=1,max=65535"`
	Transport string `yaml:"transport,omitempty" validate:"oneof=streamable-http sse"`
	// Endpoint is the path the MCP handler is mounted on.
	Endpoint       string `yaml:"endpoint,omitempty" validate:"required,startswith=/"`
	DisableMetrics bool   `yaml:"disableMetrics,omitempty"`
}

// ServerTypeDefinition adds a server type or replaces a built-in one.
type ServerTypeDefinition struct {
	ID                    string              `yaml:"id" validate:"required"`
	Name                  string              `yaml:"name,omitempty"`
	Delegate              string              `yaml:"delegate" validate:"required,oneof=process kubernetes"`
	InitialState          string              `yaml:"initialState,omitempty" validate:"omitempty,oneof=unknown starting started stopping stopped"`
	RequiresConfiguration bool                `yaml:"requiresConfiguration,omitempty"`
	LaunchModes           []string            `yaml:"launchModes,omitempty" validate:"dive,oneof=run debug profile"`
	ModuleTypes           []module.Constraint `yaml:"moduleTypes,omitempty" validate:"dive"`
}

// ConfigurationRef points at the server configuration a server publishes.
type ConfigurationRef struct {
	ID   string `yaml:"id" validate:"required"`
	Path string `yaml:"path,omitempty"`
}

// ServerDefinition declares one managed server.
type ServerDefinition struct {
	ID            string            `yaml:"id" validate:"required,excludesall=/\\"`
	Name          string            `yaml:"name,omitempty"`
	Type          string            `yaml:"type" validate:"required"`
	Runtime       string            `yaml:"runtime,omitempty"`
	Configuration *ConfigurationRef `yaml:"configuration,omitempty"`
	Attributes    map[string]string `yaml:"attributes,omitempty"`
	Modules       []module.Node     `yaml:"modules,omitempty"`
}
