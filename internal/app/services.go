package app

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"servctl/internal/api"
	"servctl/internal/config"
	"servctl/internal/delegate/kubernetes"
	"servctl/internal/delegate/process"
	"servctl/internal/launch"
	"servctl/internal/metrics"
	"servctl/internal/publishinfo"
	"servctl/internal/resources"
	"servctl/internal/server"
	"servctl/internal/storage"
	"servctl/internal/task"
)

// launchesDir holds the launch configurations under the state directory.
const launchesDir = "launches"

// Services holds all the initialized services
type Services struct {
	Types       *server.TypeRegistry
	Tasks       *task.Registry
	Launches    *launch.Store
	PublishInfo *publishinfo.Store
	Storage     *storage.Store
	// Registry is nil when metrics are disabled.
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Manager  *resources.Manager
	// Watcher is nil unless source watching is enabled.
	Watcher *publishinfo.Watcher
	API     *api.Server
}

// InitializeServices creates the registries, stores and servers described by
// cfg. State is kept on fs under the configured state directory.
func InitializeServices(cfg *Config, fs afero.Fs) (*Services, error) {
	sc := cfg.ServctlConfig
	if sc == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}

	stateDir, err := config.ExpandHome(sc.GlobalSettings.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state directory: %w", err)
	}

	svc := &Services{
		Types: server.NewTypeRegistry(),
		Tasks: task.NewRegistry(),
	}

	// Step 1: delegates and server types
	svc.Types.RegisterDelegate(process.DelegateKey, process.NewFactory(process.Options{Fs: fs}))
	svc.Types.RegisterDelegate(kubernetes.DelegateKey, kubernetes.NewFactory(kubernetes.Options{Fs: fs}))
	if err := resources.RegisterTypes(svc.Types, sc.ServerTypes); err != nil {
		return nil, err
	}

	// Step 2: persistent state
	svc.Launches, err = launch.NewStore(fs, filepath.Join(stateDir, launchesDir))
	if err != nil {
		return nil, err
	}
	// both stores add their own subdirectory
	svc.PublishInfo = publishinfo.NewStore(fs, stateDir)
	svc.Storage = storage.NewStore(fs, stateDir)

	if !sc.API.DisableMetrics {
		svc.Registry = prometheus.NewRegistry()
		svc.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		svc.Metrics = metrics.New(svc.Registry)
	}

	// Step 3: servers
	svc.Manager, err = resources.NewManager(resources.Options{
		Servers:      sc.Servers,
		Types:        svc.Types,
		Tasks:        svc.Tasks,
		Launches:     svc.Launches,
		PublishInfo:  svc.PublishInfo,
		Storage:      svc.Storage,
		Metrics:      svc.Metrics,
		RestartDelay: sc.GlobalSettings.RestartDelay,
	})
	if err != nil {
		return nil, err
	}

	// Step 4: publish tasks. The save task needs the manager for the
	// declared module trees.
	svc.Tasks.AddServerTask(task.NewSaveServerTaskFactory(svc.Storage.SaveFunc(svc.Manager.Nodes)))
	svc.Tasks.AddModuleTask(task.NewModuleCompatibilityTaskFactory(svc.Types.ModuleConstraints))
	if err := task.RegisterScripts(svc.Tasks, sc.Tasks); err != nil {
		svc.Manager.Close()
		return nil, err
	}

	if sc.GlobalSettings.WatchSources {
		svc.Watcher, err = publishinfo.NewWatcher(svc.PublishInfo, svc.Manager.HandleDirty, sc.GlobalSettings.WatchIgnores...)
		if err != nil {
			svc.Manager.Close()
			return nil, err
		}
	}

	apiOpts := api.Options{
		Config:  sc.API,
		Servers: svc.Manager,
		Version: cfg.Version,
	}
	if svc.Registry != nil {
		apiOpts.Gatherer = svc.Registry
	}
	svc.API = api.NewServer(apiOpts)

	return svc, nil
}
