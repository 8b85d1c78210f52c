package resources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servctl/internal/config"
	"servctl/internal/delegate/process"
	"servctl/internal/metrics"
	"servctl/internal/module"
	"servctl/internal/publishinfo"
	"servctl/internal/server"
	"servctl/internal/storage"
)

func newTypes(t *testing.T) *server.TypeRegistry {
	t.Helper()
	reg := server.NewTypeRegistry()
	require.NoError(t, RegisterTypes(reg, nil))
	return reg
}

func shopDefinition() config.ServerDefinition {
	return config.ServerDefinition{
		ID:            "shop",
		Name:          "Shop",
		Type:          TypeLocalProcess,
		Configuration: &config.ConfigurationRef{ID: "shop-conf", Path: "conf"},
		Attributes:    map[string]string{"command": "./run.sh", "deployDir": "/deploy"},
		Modules: []module.Node{
			{Module: module.Module{ID: "ear", Type: "jee.ear"}, Children: []module.Node{
				{Module: module.Module{ID: "web", Type: "jee.web", Source: "web"}},
			}},
		},
	}
}

func TestNewManager_BuildsServers(t *testing.T) {
	m, err := NewManager(Options{
		Servers: []config.ServerDefinition{
			shopDefinition(),
			{ID: "api", Type: TypeKubernetes},
		},
		Types: newTypes(t),
	})
	require.NoError(t, err)
	defer m.Close()

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "api", list[0].ID())
	assert.Equal(t, "shop", list[1].ID())

	shop, err := m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, "Shop", shop.Name())
	assert.Equal(t, server.StateStopped, shop.ServerState())
	assert.Equal(t, "shop-conf", shop.ConfigurationID())
	assert.Equal(t, "./run.sh", shop.Attribute("command", ""))
	_, ok := shop.DeclaredModules().Lookup("web")
	assert.True(t, ok)
	require.Len(t, m.Nodes("shop"), 1)

	api, err := m.Get("api")
	require.NoError(t, err)
	assert.Equal(t, server.StateUnknown, api.ServerState())
	assert.Equal(t, "api", api.Name())

	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, m.Nodes("nope"))
}

func TestNewManager_Errors(t *testing.T) {
	_, err := NewManager(Options{
		Servers: []config.ServerDefinition{{ID: "x", Type: "tomcat"}},
		Types:   newTypes(t),
	})
	assert.ErrorContains(t, err, "unknown server type")

	_, err = NewManager(Options{
		Servers: []config.ServerDefinition{{ID: "x", Type: TypeLocalProcess}, {ID: "x", Type: TypeLocalProcess}},
		Types:   newTypes(t),
	})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewManager(Options{
		Servers: []config.ServerDefinition{{ID: "x", Type: TypeLocalProcess, Modules: []module.Node{{}}}},
		Types:   newTypes(t),
	})
	assert.Error(t, err)
}

func TestNewManager_ChecksModuleTypes(t *testing.T) {
	reg := server.NewTypeRegistry()
	require.NoError(t, RegisterTypes(reg, []config.ServerTypeDefinition{{
		ID:          "tomcat",
		Delegate:    process.DelegateKey,
		ModuleTypes: []module.Constraint{{Type: "jee.web", Versions: ">= 2.4"}},
	}}))

	def := config.ServerDefinition{ID: "legacy", Type: "tomcat", Modules: []module.Node{
		{Module: module.Module{ID: "shop", Type: "jee.web", Version: "2.3"}},
	}}
	_, err := NewManager(Options{Servers: []config.ServerDefinition{def}, Types: reg})
	assert.ErrorIs(t, err, module.ErrUnsupportedModule)
	assert.ErrorContains(t, err, "server legacy")

	def.Modules[0].Module.Version = "3.0"
	m, err := NewManager(Options{Servers: []config.ServerDefinition{def}, Types: reg})
	require.NoError(t, err)
	m.Close()
}

func TestNewManager_RestoresSavedAttributes(t *testing.T) {
	st := storage.NewStore(afero.NewMemMapFs(), "/state")
	require.NoError(t, st.Put(storage.Record{
		ID:         "shop",
		Attributes: map[string]string{"command": "./run.sh --debug", "extra": "1"},
	}))

	m, err := NewManager(Options{
		Servers: []config.ServerDefinition{shopDefinition()},
		Types:   newTypes(t),
		Storage: st,
	})
	require.NoError(t, err)
	defer m.Close()

	s, err := m.Get("shop")
	require.NoError(t, err)
	assert.Equal(t, "./run.sh --debug", s.Attribute("command", ""))
	assert.Equal(t, "1", s.Attribute("extra", ""))
	assert.Equal(t, "/deploy", s.Attribute("deployDir", ""))
	assert.False(t, s.IsDirty())
}

func TestManager_Save(t *testing.T) {
	st := storage.NewStore(afero.NewMemMapFs(), "/state")
	m, err := NewManager(Options{
		Servers: []config.ServerDefinition{shopDefinition()},
		Types:   newTypes(t),
		Storage: st,
	})
	require.NoError(t, err)
	defer m.Close()

	s, _ := m.Get("shop")
	s.SetAttribute("command", "./other.sh")
	require.NoError(t, m.Save("shop"))
	assert.False(t, s.IsDirty())

	rec, err := st.Load("shop")
	require.NoError(t, err)
	assert.Equal(t, "./other.sh", rec.Attributes["command"])
	require.Len(t, rec.Modules, 1)

	assert.ErrorIs(t, m.Save("nope"), ErrNotFound)

	bare, err := NewManager(Options{Servers: []config.ServerDefinition{shopDefinition()}, Types: newTypes(t)})
	require.NoError(t, err)
	defer bare.Close()
	assert.Error(t, bare.Save("shop"))
}

func TestManager_HandleDirty(t *testing.T) {
	m, err := NewManager(Options{Servers: []config.ServerDefinition{shopDefinition()}, Types: newTypes(t)})
	require.NoError(t, err)
	defer m.Close()

	s, _ := m.Get("shop")
	web, _ := s.DeclaredModules().Lookup("web")
	ear, _ := s.DeclaredModules().Lookup("ear")
	s.SetModulePublishState(web, server.PublishStateNone)

	m.HandleDirty("shop", module.Occurrence{Parents: []module.Module{ear}, Module: web})
	assert.Equal(t, server.PublishStateIncremental, s.ModulePublishState(web))

	// Unknown servers are ignored.
	m.HandleDirty("nope", module.Occurrence{Module: web})
}

func TestManager_WatchSourcesResolvesWorkDir(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "web"), 0o755))

	def := shopDefinition()
	def.Attributes["workDir"] = workDir
	m, err := NewManager(Options{Servers: []config.ServerDefinition{def}, Types: newTypes(t)})
	require.NoError(t, err)
	defer m.Close()

	s, _ := m.Get("shop")
	web, _ := s.DeclaredModules().Lookup("web")
	s.SetModulePublishState(web, server.PublishStateNone)

	store := publishinfo.NewStore(afero.NewMemMapFs(), "/state")
	w, err := publishinfo.NewWatcher(store, m.HandleDirty)
	require.NoError(t, err)
	require.NoError(t, m.WatchSources(context.Background(), w))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "web", "index.html"), []byte("hi"), 0o644))
	assert.Eventually(t, func() bool {
		return s.ModulePublishState(web) == server.PublishStateIncremental
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_CloseForgetsMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewManager(Options{
		Servers: []config.ServerDefinition{shopDefinition()},
		Types:   newTypes(t),
		Metrics: metrics.New(registry),
	})
	require.NoError(t, err)

	s, _ := m.Get("shop")
	s.SetServerState(server.StateStarting)
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	m.Close()
	s.SetServerState(server.StateStopped)

	families, err = registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		assert.Empty(t, f.GetMetric(), f.GetName())
	}
}

func TestResolveSource(t *testing.T) {
	assert.Equal(t, "", resolveSource("/w", ""))
	assert.Equal(t, "/abs", resolveSource("/w", "/abs"))
	assert.Equal(t, "rel", resolveSource("", "rel"))
	assert.Equal(t, filepath.Join("/w", "rel"), resolveSource("/w", "rel"))
}
