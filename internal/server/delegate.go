package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/progress"
)

// Delegate does the technology-specific work for a server type. Lifecycle
// calls return once the work was handed off; progress is reported back
// through the Host state setters.
//
// Launch must move the server out of StateStopped before it returns, so a
// caller waiting for the result never sees the old stopped state as the
// outcome.
type Delegate interface {
	// Initialize binds the delegate to its server. It is called once, right
	// after construction.
	Initialize(host Host) error
	// Dispose releases everything the delegate holds.
	Dispose()

	SetLaunchDefaults(cfg *launch.Configuration)
	Launch(ctx context.Context, l *launch.Launch) error
	Stop(ctx context.Context) error
	Terminate(ctx context.Context) error
	// Restart restarts in place. Delegates without native restart return
	// ErrNotSupported.
	Restart(ctx context.Context, mode Mode) error

	CanRestartModule(m module.Module) bool
	RestartModule(ctx context.Context, m module.Module) error

	PublishStart(ctx context.Context, mon progress.Monitor) error
	PublishServer(ctx context.Context, mon progress.Monitor) error
	// PublishModule publishes one occurrence. parents is empty, never nil,
	// for top-level modules.
	PublishModule(ctx context.Context, parents []module.Module, m module.Module, mon progress.Monitor) error
	PublishStop(ctx context.Context, mon progress.Monitor) error

	Modules(ctx context.Context) ([]module.Module, error)
	ChildModules(ctx context.Context, m module.Module) ([]module.Module, error)
	ParentModules(ctx context.Context, m module.Module) ([]module.Module, error)

	Ports() []Port
}

// Host is the view of its server a delegate works against.
type Host interface {
	ID() string
	Name() string
	Type() *Type
	Hostname() string
	Attribute(key, def string) string
	Configuration() *Configuration
	// DeclaredModules is the module tree the server was defined with.
	DeclaredModules() *module.StaticTree

	ServerState() State
	SetServerState(state State)
	SetServerPublishState(state PublishState)
	SetServerRestartState(restart bool)
	Mode() Mode

	ModuleState(m module.Module) State
	SetModuleState(m module.Module, state State)
	SetModulePublishState(m module.Module, state PublishState)
	SetModuleRestartState(m module.Module, restart bool)
}

// DelegateFactory creates an uninitialised delegate.
type DelegateFactory func() (Delegate, error)

// TypeRegistry maps delegate keys to factories and holds the known server
// types.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]DelegateFactory
	types     map[string]*Type
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		factories: make(map[string]DelegateFactory),
		types:     make(map[string]*Type),
	}
}

// RegisterDelegate makes factory available under key.
func (r *TypeRegistry) RegisterDelegate(key string, factory DelegateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// RegisterType adds or replaces a server type.
func (r *TypeRegistry) RegisterType(t *Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ID] = t
}

// Type looks up a server type by id.
func (r *TypeRegistry) Type(id string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[id]
	return t, ok
}

// Types returns all server types sorted by id.
func (r *TypeRegistry) Types() []*Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Type, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ModuleConstraints returns the module constraints of a type, nil when the
// type is unknown.
func (r *TypeRegistry) ModuleConstraints(typeID string) []module.Constraint {
	t, ok := r.Type(typeID)
	if !ok {
		return nil
	}
	return t.ModuleTypes
}

// NewDelegate builds a delegate for t.
func (r *TypeRegistry) NewDelegate(t *Type) (Delegate, error) {
	if t == nil {
		return nil, ErrNoServerType
	}
	r.mu.RLock()
	factory, ok := r.factories[t.Delegate]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no factory %q for server type %s", ErrNoDelegate, t.Delegate, t.ID)
	}
	d, err := factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create delegate for server type %s: %w", t.ID, err)
	}
	return d, nil
}
