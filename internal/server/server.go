package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/task"
	"servctl/pkg/logging"
)

// Well-known attributes.
const (
	AttrHostname = "hostname"
)

// DefaultRestartDelay is how long a fallback restart waits after the server
// stopped before starting it again, so other listeners can react to the stop.
const DefaultRestartDelay = 250 * time.Millisecond

// LaunchStore resolves and creates persisted launch configurations.
type LaunchStore interface {
	FindByServer(serverID string) (*launch.Configuration, error)
	Create(name, serverID string, init func(*launch.Configuration)) (*launch.Configuration, error)
}

// PublishControls is the per-occurrence publish bookkeeping of servers.
type PublishControls interface {
	IsDirty(serverID string, parents []module.Module, m module.Module) bool
	MarkPublished(serverID string, parents []module.Module, m module.Module)
	Save(serverID string) error
}

// Options configure a Server.
type Options struct {
	ID            string
	Name          string
	Type          *Type
	Delegates     *TypeRegistry
	Tasks         *task.Registry
	Launches      LaunchStore
	PublishInfo   PublishControls
	Configuration *Configuration
	RuntimeID     string
	Attributes    map[string]string
	Modules       *module.StaticTree
	// RestartDelay defaults to DefaultRestartDelay.
	RestartDelay time.Duration
}

// Server is one managed server instance. It is created by the resource
// manager and shared by everything that operates on it.
type Server struct {
	id            string
	name          string
	typ           *Type
	delegates     *TypeRegistry
	tasks         *task.Registry
	launches      LaunchStore
	publishInfo   PublishControls
	configuration *Configuration
	runtimeID     string
	modules       *module.StaticTree
	restartDelay  time.Duration

	listeners *ListenerRegistry
	state     *StateStore

	delegateMu sync.Mutex
	delegate   Delegate

	mu         sync.RWMutex
	attributes map[string]string
	dirty      bool
	lastLaunch *launch.Launch
}

// New creates a server. A nil Type yields a server that can be inspected but
// neither started nor published.
func New(opts Options) *Server {
	s := &Server{
		id:            opts.ID,
		name:          opts.Name,
		typ:           opts.Type,
		delegates:     opts.Delegates,
		tasks:         opts.Tasks,
		launches:      opts.Launches,
		publishInfo:   opts.PublishInfo,
		configuration: opts.Configuration,
		runtimeID:     opts.RuntimeID,
		modules:       opts.Modules,
		restartDelay:  opts.RestartDelay,
		listeners:     NewListenerRegistry(),
		attributes:    map[string]string{AttrHostname: "localhost"},
	}
	if s.name == "" {
		s.name = s.id
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.delegates == nil {
		s.delegates = NewTypeRegistry()
	}
	for k, v := range opts.Attributes {
		s.attributes[k] = v
	}

	initial := StateUnknown
	if s.typ != nil {
		initial = s.typ.InitialState
	}
	s.state = NewStateStore(initial, func(ev Event) {
		ev.Server = s
		s.listeners.Dispatch(ev)
	})
	return s
}

func (s *Server) ID() string   { return s.id }
func (s *Server) Name() string { return s.name }

func (s *Server) String() string { return s.name }

// Type returns the server type, nil when the server has none.
func (s *Server) Type() *Type { return s.typ }

// TypeID returns the id of the server type, or "".
func (s *Server) TypeID() string {
	if s.typ == nil {
		return ""
	}
	return s.typ.ID
}

func (s *Server) RuntimeID() string { return s.runtimeID }

// Configuration returns the attached configuration, nil when none.
func (s *Server) Configuration() *Configuration { return s.configuration }

// ConfigurationID returns the id of the attached configuration, or "".
func (s *Server) ConfigurationID() string {
	if s.configuration == nil {
		return ""
	}
	return s.configuration.ID
}

// DeclaredModules returns the module tree the server was defined with.
func (s *Server) DeclaredModules() *module.StaticTree { return s.modules }

// Listeners returns the registry events of this server are dispatched to.
func (s *Server) Listeners() *ListenerRegistry { return s.listeners }

// AddListener is shorthand for Listeners().Add.
func (s *Server) AddListener(kinds EventKind, l Listener) *Registration {
	return s.listeners.Add(kinds, l)
}

// RemoveListener is shorthand for Listeners().Remove.
func (s *Server) RemoveListener(reg *Registration) {
	s.listeners.Remove(reg)
}

// Hostname returns the host the server runs on.
func (s *Server) Hostname() string {
	return s.Attribute(AttrHostname, "localhost")
}

// Attribute returns a type-specific setting.
func (s *Server) Attribute(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.attributes[key]; ok {
		return v
	}
	return def
}

// Attributes returns a copy of all settings.
func (s *Server) Attributes() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// SetAttribute changes a setting and marks the server as having unsaved
// changes. Setting the current value again does nothing.
func (s *Server) SetAttribute(key, value string) {
	s.mu.Lock()
	if old, ok := s.attributes[key]; ok && old == value {
		s.mu.Unlock()
		return
	}
	s.attributes[key] = value
	s.dirty = true
	s.mu.Unlock()

	s.listeners.Dispatch(Event{Kind: EventAttributeChange, Server: s, Attribute: key})
}

// IsDirty reports whether there are unsaved attribute changes.
func (s *Server) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// MarkSaved clears the unsaved-changes flag.
func (s *Server) MarkSaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// AttributeKeys returns the setting names in sorted order.
func (s *Server) AttributeKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.attributes))
	for k := range s.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State accessors. Delegates report progress through these.

func (s *Server) ServerState() State               { return s.state.ServerState() }
func (s *Server) ServerPublishState() PublishState { return s.state.ServerPublishState() }
func (s *Server) ServerRestartState() bool         { return s.state.ServerRestartState() }
func (s *Server) Mode() Mode                       { return s.state.Mode() }

func (s *Server) SetServerState(state State) {
	if old := s.state.ServerState(); old != state {
		logging.Info("Server", "Server %s: %s -> %s", s, old, state)
	}
	s.state.SetServerState(state)
}

func (s *Server) SetServerPublishState(state PublishState) { s.state.SetServerPublishState(state) }
func (s *Server) SetServerRestartState(restart bool)       { s.state.SetServerRestartState(restart) }

func (s *Server) ModuleState(m module.Module) State { return s.state.ModuleState(m) }
func (s *Server) ModulePublishState(m module.Module) PublishState {
	return s.state.ModulePublishState(m)
}
func (s *Server) ModuleRestartState(m module.Module) bool { return s.state.ModuleRestartState(m) }

func (s *Server) SetModuleState(m module.Module, state State) { s.state.SetModuleState(m, state) }
func (s *Server) SetModulePublishState(m module.Module, state PublishState) {
	s.state.SetModulePublishState(m, state)
}
func (s *Server) SetModuleRestartState(m module.Module, restart bool) {
	s.state.SetModuleRestartState(m, restart)
}

// Snapshot returns a consistent copy of all state.
func (s *Server) Snapshot() Snapshot { return s.state.Snapshot() }

// HandleModuleChange records that the content of an occurrence changed. A
// module that was in sync becomes incrementally out of sync, and listeners
// are told about the new publish state.
func (s *Server) HandleModuleChange(occ module.Occurrence) {
	m := occ.Module
	if s.state.ModulePublishState(m) == PublishStateNone {
		s.state.SetModulePublishState(m, PublishStateIncremental)
	}
	s.listeners.Dispatch(Event{
		Kind:         EventModulePublishStateChange,
		Server:       s,
		Module:       &m,
		Parents:      occ.Parents,
		PublishState: s.state.ModulePublishState(m),
	})
}

// Delegate returns the delegate of the server, creating and initialising it
// on first use.
func (s *Server) Delegate() (Delegate, error) {
	s.delegateMu.Lock()
	defer s.delegateMu.Unlock()
	if s.delegate != nil {
		return s.delegate, nil
	}
	if s.typ == nil {
		return nil, ErrNoServerType
	}

	start := time.Now()
	d, err := s.delegates.NewDelegate(s.typ)
	if err != nil {
		logging.Error("Server", err, "Could not create delegate for %s", s)
		return nil, err
	}
	if err := d.Initialize(s); err != nil {
		logging.Error("Server", err, "Could not initialize delegate for %s", s)
		return nil, fmt.Errorf("%w: %v", ErrNoDelegate, err)
	}
	s.delegate = d
	logging.Debug("Server", "Created %s delegate for %s in %s", s.typ.Delegate, s, time.Since(start))
	return d, nil
}

// DelegateLoaded reports whether the delegate was created.
func (s *Server) DelegateLoaded() bool {
	s.delegateMu.Lock()
	defer s.delegateMu.Unlock()
	return s.delegate != nil
}

// Dispose releases the delegate, if any.
func (s *Server) Dispose() {
	s.delegateMu.Lock()
	d := s.delegate
	s.delegate = nil
	s.delegateMu.Unlock()
	if d != nil {
		d.Dispose()
	}
}

// Modules returns the top-level modules of the server.
func (s *Server) Modules(ctx context.Context) ([]module.Module, error) {
	d, err := s.Delegate()
	if err != nil {
		return nil, err
	}
	mods, err := d.Modules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules of %s: %w", s, err)
	}
	return mods, nil
}

// ChildModules returns the children of m.
func (s *Server) ChildModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	d, err := s.Delegate()
	if err != nil {
		return nil, err
	}
	return d.ChildModules(ctx, m)
}

// ParentModules returns the parents of m.
func (s *Server) ParentModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	d, err := s.Delegate()
	if err != nil {
		return nil, err
	}
	return d.ParentModules(ctx, m)
}

// Ports returns the ports the server listens on.
func (s *Server) Ports() []Port {
	d, err := s.Delegate()
	if err != nil {
		return nil
	}
	return d.Ports()
}

// CanModifyModules checks whether add could be added to the server. Removing
// modules is always allowed.
func (s *Server) CanModifyModules(add, remove []module.Module) error {
	if s.typ == nil {
		return ErrNoServerType
	}
	for _, m := range add {
		if err := module.Supported(s.typ.ModuleTypes, m); err != nil {
			return err
		}
	}
	return nil
}
