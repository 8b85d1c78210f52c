package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/publishinfo"
	"servctl/internal/task"
)

// mockDelegate records lifecycle and publish calls through testify. Module
// tree queries are answered from tree without expectations.
type mockDelegate struct {
	mock.Mock

	mu       sync.Mutex
	host     Host
	tree     *module.StaticTree
	ports    []Port
	disposed bool
}

func (m *mockDelegate) Initialize(host Host) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.host = host
	return nil
}

func (m *mockDelegate) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disposed = true
}

func (m *mockDelegate) SetLaunchDefaults(cfg *launch.Configuration) {
	cfg.SetAttribute("defaults", "mock")
}

func (m *mockDelegate) Launch(ctx context.Context, l *launch.Launch) error {
	return m.Called(ctx, l).Error(0)
}

func (m *mockDelegate) Stop(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockDelegate) Terminate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockDelegate) Restart(ctx context.Context, mode Mode) error {
	return m.Called(ctx, mode).Error(0)
}

func (m *mockDelegate) CanRestartModule(mod module.Module) bool {
	return m.Called(mod).Bool(0)
}

func (m *mockDelegate) RestartModule(ctx context.Context, mod module.Module) error {
	return m.Called(ctx, mod).Error(0)
}

func (m *mockDelegate) PublishStart(ctx context.Context, mon progress.Monitor) error {
	return m.Called(ctx, mon).Error(0)
}

func (m *mockDelegate) PublishServer(ctx context.Context, mon progress.Monitor) error {
	return m.Called(ctx, mon).Error(0)
}

func (m *mockDelegate) PublishModule(ctx context.Context, parents []module.Module, mod module.Module, mon progress.Monitor) error {
	return m.Called(ctx, parents, mod, mon).Error(0)
}

func (m *mockDelegate) PublishStop(ctx context.Context, mon progress.Monitor) error {
	return m.Called(ctx, mon).Error(0)
}

func (m *mockDelegate) Modules(ctx context.Context) ([]module.Module, error) {
	return m.tree.Modules(ctx)
}

func (m *mockDelegate) ChildModules(ctx context.Context, mod module.Module) ([]module.Module, error) {
	return m.tree.ChildModules(ctx, mod)
}

func (m *mockDelegate) ParentModules(_ context.Context, mod module.Module) ([]module.Module, error) {
	return m.tree.ParentModules(mod), nil
}

func (m *mockDelegate) Ports() []Port { return m.ports }

// setState returns a mock Run function that moves the host to state.
func (m *mockDelegate) setState(state State) func(mock.Arguments) {
	return func(mock.Arguments) {
		m.mu.Lock()
		h := m.host
		m.mu.Unlock()
		h.SetServerState(state)
	}
}

// setStateLater moves the host to state from another goroutine after d.
func (m *mockDelegate) setStateLater(state State, d time.Duration) func(mock.Arguments) {
	return func(mock.Arguments) {
		m.mu.Lock()
		h := m.host
		m.mu.Unlock()
		go func() {
			time.Sleep(d)
			h.SetServerState(state)
		}()
	}
}

type testServer struct {
	*Server
	delegate    *mockDelegate
	launches    *launch.Store
	publishInfo *publishinfo.Store
	tasks       *task.Registry
}

type testOption func(*Options)

func withConfiguration(cfg *Configuration) testOption {
	return func(o *Options) { o.Configuration = cfg }
}

func withTasks(reg *task.Registry) testOption {
	return func(o *Options) { o.Tasks = reg }
}

func withRestartDelay(d time.Duration) testOption {
	return func(o *Options) { o.RestartDelay = d }
}

func testType() *Type {
	return &Type{
		ID:           "test.server",
		Name:         "Test server",
		Delegate:     "mock",
		InitialState: StateStopped,
		LaunchModes:  []Mode{ModeRun, ModeDebug},
	}
}

// newTestServer builds a server of typ backed by a mockDelegate answering
// module queries from nodes.
func newTestServer(t *testing.T, typ *Type, nodes []module.Node, opts ...testOption) *testServer {
	t.Helper()

	tree, err := module.NewStaticTree(nodes)
	require.NoError(t, err)

	d := &mockDelegate{tree: tree}
	reg := NewTypeRegistry()
	reg.RegisterDelegate("mock", func() (Delegate, error) { return d, nil })
	if typ != nil {
		reg.RegisterType(typ)
	}

	fs := afero.NewMemMapFs()
	launches, err := launch.NewStore(fs, "/state")
	require.NoError(t, err)
	info := publishinfo.NewStore(fs, "/state")
	tasks := task.NewRegistry()

	o := Options{
		ID:           "srv-1",
		Name:         "srv",
		Type:         typ,
		Delegates:    reg,
		Tasks:        tasks,
		Launches:     launches,
		PublishInfo:  info,
		Modules:      tree,
		RestartDelay: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Tasks != nil {
		tasks = o.Tasks
	}

	return &testServer{
		Server:      New(o),
		delegate:    d,
		launches:    launches,
		publishInfo: info,
		tasks:       tasks,
	}
}

// eventRecorder collects events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func mod(id string) module.Module {
	return module.Module{ID: id, Name: id, Type: "jee.web"}
}

func node(id string, children ...module.Node) module.Node {
	return module.Node{Module: mod(id), Children: children}
}
