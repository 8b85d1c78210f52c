package config

import "time"

// GetDefaultConfig returns the configuration used when no file overrides it:
// no servers, the API on localhost:8090.
func GetDefaultConfig() ServctlConfig {
	return ServctlConfig{
		GlobalSettings: GlobalSettings{
			StateDir:     "~/.local/state/servctl",
			LogLevel:     "info",
			LogFormat:    "text",
			RestartDelay: 250 * time.Millisecond,
		},
		API: APIConfig{
			Host:      "localhost",
			Port:      8090,
			Transport: TransportStreamableHTTP,
			Endpoint:  "/mcp",
		},
	}
}
