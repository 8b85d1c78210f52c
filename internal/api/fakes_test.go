package api

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"servctl/internal/config"
	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/publishinfo"
	"servctl/internal/resources"
	"servctl/internal/server"
	"servctl/internal/storage"
	"servctl/internal/task"
)

// instantDelegate reaches every requested state right away.
type instantDelegate struct {
	host server.Host
}

func (d *instantDelegate) Initialize(host server.Host) error {
	d.host = host
	return nil
}

func (d *instantDelegate) Dispose() {}

func (d *instantDelegate) SetLaunchDefaults(*launch.Configuration) {}

func (d *instantDelegate) Launch(context.Context, *launch.Launch) error {
	d.setAll(server.StateStarted)
	return nil
}

func (d *instantDelegate) Stop(context.Context) error {
	d.setAll(server.StateStopped)
	return nil
}

func (d *instantDelegate) Terminate(context.Context) error {
	d.setAll(server.StateStopped)
	return nil
}

func (d *instantDelegate) Restart(context.Context, server.Mode) error {
	return server.ErrNotSupported
}

func (d *instantDelegate) setAll(state server.State) {
	for _, m := range d.host.DeclaredModules().All() {
		d.host.SetModuleState(m, state)
	}
	d.host.SetServerState(state)
}

func (d *instantDelegate) CanRestartModule(module.Module) bool { return true }

func (d *instantDelegate) RestartModule(_ context.Context, m module.Module) error {
	d.host.SetModuleState(m, server.StateStarting)
	d.host.SetModuleState(m, server.StateStarted)
	return nil
}

func (d *instantDelegate) PublishStart(context.Context, progress.Monitor) error  { return nil }
func (d *instantDelegate) PublishServer(context.Context, progress.Monitor) error { return nil }
func (d *instantDelegate) PublishModule(context.Context, []module.Module, module.Module, progress.Monitor) error {
	return nil
}
func (d *instantDelegate) PublishStop(context.Context, progress.Monitor) error { return nil }

func (d *instantDelegate) Modules(ctx context.Context) ([]module.Module, error) {
	return d.host.DeclaredModules().Modules(ctx)
}

func (d *instantDelegate) ChildModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ChildModules(ctx, m)
}

func (d *instantDelegate) ParentModules(_ context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ParentModules(m), nil
}

func (d *instantDelegate) Ports() []server.Port {
	return []server.Port{{Name: "http", Port: 8080, Protocol: "tcp"}}
}

type fixture struct {
	manager *resources.Manager
	storage *storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()

	types := server.NewTypeRegistry()
	types.RegisterDelegate("instant", func() (server.Delegate, error) { return &instantDelegate{}, nil })
	types.RegisterType(&server.Type{
		ID:           "instant.server",
		Delegate:     "instant",
		InitialState: server.StateStopped,
		LaunchModes:  []server.Mode{server.ModeRun, server.ModeDebug},
	})

	launches, err := launch.NewStore(fs, "/state")
	require.NoError(t, err)
	st := storage.NewStore(fs, "/state")
	tasks := task.NewRegistry()
	tasks.AddServerTask(task.NewSaveServerTaskFactory(st.SaveFunc(func(string) []module.Node { return nil })))

	m, err := resources.NewManager(resources.Options{
		Servers: []config.ServerDefinition{
			{
				ID:   "shop",
				Name: "Shop",
				Type: "instant.server",
				Modules: []module.Node{
					{Module: module.Module{ID: "ear", Type: "jee.ear"}, Children: []module.Node{
						{Module: module.Module{ID: "web", Type: "jee.web"}},
					}},
				},
			},
			{ID: "api", Type: "instant.server"},
		},
		Types:        types,
		Tasks:        tasks,
		Launches:     launches,
		PublishInfo:  publishinfo.NewStore(fs, "/state"),
		Storage:      st,
		RestartDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return &fixture{manager: m, storage: st}
}
