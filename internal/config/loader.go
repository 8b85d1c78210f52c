package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"servctl/internal/task"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/servctl"
	projectConfigDir = ".servctl"
	configFileName   = "config.yaml"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadConfig layers the default, user and project configuration and
// validates the result.
func LoadConfig() (ServctlConfig, error) {
	config := GetDefaultConfig()

	for _, locate := range []func() (string, error){getUserConfigPath, getProjectConfigPath} {
		path, err := locate()
		if err != nil {
			// optional layer
			fmt.Fprintf(os.Stderr, "Warning: Could not determine config path: %v\n", err)
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		overlay, err := loadConfigFromFile(path)
		if err != nil {
			return ServctlConfig{}, fmt.Errorf("error loading config from %s: %w", path, err)
		}
		config = mergeConfigs(config, overlay)
	}

	if err := Validate(&config); err != nil {
		return ServctlConfig{}, err
	}
	return config, nil
}

// LoadConfigFromPath loads a single file on top of the defaults, skipping
// the user and project layers.
func LoadConfigFromPath(path string) (ServctlConfig, error) {
	overlay, err := loadConfigFromFile(path)
	if err != nil {
		return ServctlConfig{}, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	config := mergeConfigs(GetDefaultConfig(), overlay)
	if err := Validate(&config); err != nil {
		return ServctlConfig{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

func loadConfigFromFile(filePath string) (ServctlConfig, error) {
	var config ServctlConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return ServctlConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return ServctlConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges overlay into base. Scalars override when set; server
// types, servers and tasks are replaced by id (name for tasks) and appended
// otherwise, keeping base order.
func mergeConfigs(base, overlay ServctlConfig) ServctlConfig {
	merged := base

	g, o := &merged.GlobalSettings, overlay.GlobalSettings
	if o.StateDir != "" {
		g.StateDir = o.StateDir
	}
	if o.LogLevel != "" {
		g.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		g.LogFormat = o.LogFormat
	}
	if o.RestartDelay != 0 {
		g.RestartDelay = o.RestartDelay
	}
	if o.WatchSources {
		g.WatchSources = true
	}
	g.WatchIgnores = append(append([]string(nil), g.WatchIgnores...), o.WatchIgnores...)

	a, oa := &merged.API, overlay.API
	if oa.Host != "" {
		a.Host = oa.Host
	}
	if oa.Port != 0 {
		a.Port = oa.Port
	}
	if oa.Transport != "" {
		a.Transport = oa.Transport
	}
	if oa.Endpoint != "" {
		a.Endpoint = oa.Endpoint
	}
	if oa.DisableMetrics {
		a.DisableMetrics = true
	}

	merged.ServerTypes = mergeByKey(base.ServerTypes, overlay.ServerTypes, func(t ServerTypeDefinition) string { return t.ID })
	merged.Servers = mergeByKey(base.Servers, overlay.Servers, func(s ServerDefinition) string { return s.ID })
	merged.Tasks = mergeByKey(base.Tasks, overlay.Tasks, func(s task.ScriptSpec) string { return s.Name })
	return merged
}

func mergeByKey[T any](base, overlay []T, key func(T) string) []T {
	out := append([]T(nil), base...)
	index := make(map[string]int, len(out))
	for i, v := range out {
		index[key(v)] = i
	}
	for _, v := range overlay {
		if i, ok := index[key(v)]; ok {
			out[i] = v
			continue
		}
		index[key(v)] = len(out)
		out = append(out, v)
	}
	return out
}

// Validate checks field constraints and that server ids are unique.
func Validate(cfg *ServctlConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), tagWithParam(fe)))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := map[string]bool{}
	for _, s := range cfg.Servers {
		if seen[s.ID] {
			return fmt.Errorf("invalid configuration: duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// GetUserConfigDir returns the user configuration directory path
func GetUserConfigDir() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir), nil
}
