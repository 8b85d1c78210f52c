package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/module"
	"servctl/internal/task"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// mockPaths points the user and project layers into dir.
func mockPaths(t *testing.T, dir string) (user, project string) {
	t.Helper()
	origUser, origProject := getUserConfigPath, getProjectConfigPath
	t.Cleanup(func() {
		getUserConfigPath = origUser
		getProjectConfigPath = origProject
	})
	user = filepath.Join(dir, "home", userConfigDir, configFileName)
	project = filepath.Join(dir, "work", projectConfigDir, configFileName)
	getUserConfigPath = func() (string, error) { return user, nil }
	getProjectConfigPath = func() (string, error) { return project, nil }
	return user, project
}

func TestLoadConfig_DefaultOnly(t *testing.T) {
	mockPaths(t, t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoadConfig_Layers(t *testing.T) {
	user, project := mockPaths(t, t.TempDir())
	writeConfig(t, user, `
globalSettings:
  logLevel: debug
  restartDelay: 1s
api:
  port: 9000
servers:
  - id: shop
    type: local.process
    attributes: {command: ./shop}
  - id: billing
    type: local.process
tasks:
  - name: lint
    scope: server
    run: make lint
`)
	writeConfig(t, project, `
api:
  host: 0.0.0.0
servers:
  - id: shop
    type: kubernetes.deployment
    attributes: {namespace: prod}
    modules:
      - id: ear
        children:
          - id: web
            source: ./web
  - id: search
    type: local.process
`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.GlobalSettings.LogLevel)
	assert.Equal(t, time.Second, cfg.GlobalSettings.RestartDelay)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "/mcp", cfg.API.Endpoint)

	require.Len(t, cfg.Servers, 3)
	assert.Equal(t, []string{"shop", "billing", "search"}, []string{cfg.Servers[0].ID, cfg.Servers[1].ID, cfg.Servers[2].ID})
	shop := cfg.Servers[0]
	assert.Equal(t, "kubernetes.deployment", shop.Type)
	assert.Equal(t, map[string]string{"namespace": "prod"}, shop.Attributes)
	require.Len(t, shop.Modules, 1)
	assert.Equal(t, module.Module{ID: "web", Source: "./web"}, shop.Modules[0].Children[0].Module)

	require.Len(t, cfg.Tasks, 1)
	assert.Equal(t, task.ScopeServer, cfg.Tasks[0].Scope)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	user, _ := mockPaths(t, t.TempDir())
	writeConfig(t, user, "servers: [unclosed")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "error loading config")
}

func TestLoadConfigFromPath(t *testing.T) {
	dir := t.TempDir()
	mockPaths(t, dir)
	path := filepath.Join(dir, "custom.yaml")
	writeConfig(t, path, `
globalSettings:
  stateDir: /var/lib/servctl
serverTypes:
  - id: tomcat
    delegate: process
    launchModes: [run, debug]
    moduleTypes:
      - type: jee.web
        versions: ">= 2.5"
`)

	cfg, err := LoadConfigFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/servctl", cfg.GlobalSettings.StateDir)
	require.Len(t, cfg.ServerTypes, 1)
	assert.Equal(t, []module.Constraint{{Type: "jee.web", Versions: ">= 2.5"}}, cfg.ServerTypes[0].ModuleTypes)

	_, err = LoadConfigFromPath(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *ServctlConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *ServctlConfig) {},
		},
		{
			name:    "port out of range",
			mutate:  func(c *ServctlConfig) { c.API.Port = 70000 },
			wantErr: "ServctlConfig.API.Port",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *ServctlConfig) { c.GlobalSettings.LogLevel = "verbose" },
			wantErr: "oneof",
		},
		{
			name:    "endpoint must be a path",
			mutate:  func(c *ServctlConfig) { c.API.Endpoint = "mcp" },
			wantErr: "startswith",
		},
		{
			name: "server without type",
			mutate: func(c *ServctlConfig) {
				c.Servers = []ServerDefinition{{ID: "a"}}
			},
			wantErr: "ServctlConfig.Servers[0].Type",
		},
		{
			name: "server id with slash",
			mutate: func(c *ServctlConfig) {
				c.Servers = []ServerDefinition{{ID: "a/b", Type: "t"}}
			},
			wantErr: "excludesall",
		},
		{
			name: "duplicate server ids",
			mutate: func(c *ServctlConfig) {
				c.Servers = []ServerDefinition{{ID: "a", Type: "t"}, {ID: "a", Type: "t"}}
			},
			wantErr: "duplicate server id",
		},
		{
			name: "unknown delegate",
			mutate: func(c *ServctlConfig) {
				c.ServerTypes = []ServerTypeDefinition{{ID: "x", Delegate: "docker"}}
			},
			wantErr: "Delegate",
		},
		{
			name: "unknown launch mode",
			mutate: func(c *ServctlConfig) {
				c.ServerTypes = []ServerTypeDefinition{{ID: "x", Delegate: "process", LaunchModes: []string{"fast"}}}
			},
			wantErr: "LaunchModes[0]",
		},
		{
			name: "task without run",
			mutate: func(c *ServctlConfig) {
				c.Tasks = []task.ScriptSpec{{Name: "t", Scope: task.ScopeServer}}
			},
			wantErr: "Run",
		},
		{
			name: "configuration without id",
			mutate: func(c *ServctlConfig) {
				c.Servers = []ServerDefinition{{ID: "a", Type: "t", Configuration: &ConfigurationRef{Path: "conf"}}}
			},
			wantErr: "Configuration.ID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(&cfg)
			err := Validate(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestExpandHome(t *testing.T) {
	orig := osUserHomeDir
	defer func() { osUserHomeDir = orig }()
	osUserHomeDir = func() (string, error) { return "/home/me", nil }

	p, err := ExpandHome("~/.local/state")
	require.NoError(t, err)
	assert.Equal(t, "/home/me/.local/state", p)

	p, err = ExpandHome("/abs")
	require.NoError(t, err)
	assert.Equal(t, "/abs", p)

	dir, err := GetUserConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/me/.config/servctl", dir)
}
