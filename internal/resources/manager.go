// Package resources owns the set of servers known to servctl. It builds them
// from configuration, merges attributes persisted by earlier runs, and keeps
// source watching and metrics in step with the servers it holds.
package resources

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"servctl/internal/config"
	"servctl/internal/delegate/process"
	"servctl/internal/metrics"
	"servctl/internal/module"
	"servctl/internal/publishinfo"
	"servctl/internal/server"
	"servctl/internal/storage"
	"servctl/internal/task"
	"servctl/pkg/logging"
)

// ErrNotFound is returned for unknown server ids.
var ErrNotFound = errors.New("server not found")

// Options configure a Manager.
type Options struct {
	Servers     []config.ServerDefinition
	Types       *server.TypeRegistry
	Tasks       *task.Registry
	Launches    server.LaunchStore
	PublishInfo *publishinfo.Store
	// Storage is optional. When set, persisted attributes override the
	// configured ones.
	Storage *storage.Store
	// Metrics is optional.
	Metrics      *metrics.Metrics
	RestartDelay time.Duration
}

type entry struct {
	server  *server.Server
	nodes   []module.Node
	metrics *server.Registration
}

// Manager holds the servers.
type Manager struct {
	opts Options

	mu      sync.RWMutex
	servers map[string]*entry
	watcher *publishinfo.Watcher
}

// NewManager creates a server for every definition.
func NewManager(opts Options) (*Manager, error) {
	if opts.Types == nil {
		opts.Types = server.NewTypeRegistry()
	}
	if opts.Tasks == nil {
		opts.Tasks = task.NewRegistry()
	}
	m := &Manager{
		opts:    opts,
		servers: make(map[string]*entry),
	}
	for _, def := range opts.Servers {
		if _, exists := m.servers[def.ID]; exists {
			m.Close()
			return nil, fmt.Errorf("duplicate server id %q", def.ID)
		}
		e, err := m.build(def)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.servers[def.ID] = e
		logging.Info("Resources", "Registered server %s (%s)", def.ID, def.Type)
	}
	return m, nil
}

func (m *Manager) build(def config.ServerDefinition) (*entry, error) {
	t, ok := m.opts.Types.Type(def.Type)
	if !ok {
		return nil, fmt.Errorf("server %s: unknown server type %q", def.ID, def.Type)
	}
	tree, err := module.NewStaticTree(def.Modules)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", def.ID, err)
	}

	attrs := make(map[string]string, len(def.Attributes))
	for k, v := range def.Attributes {
		attrs[k] = v
	}
	if m.opts.Storage != nil {
		rec, err := m.opts.Storage.Load(def.ID)
		switch {
		case err == nil:
			for k, v := range rec.Attributes {
				attrs[k] = v
			}
			logging.Debug("Resources", "Restored %d saved attributes of %s", len(rec.Attributes), def.ID)
		case errors.Is(err, storage.ErrNotFound):
		default:
			logging.Warn("Resources", "Ignoring saved state of %s: %v", def.ID, err)
		}
	}

	var cfg *server.Configuration
	if def.Configuration != nil {
		cfg = &server.Configuration{ID: def.Configuration.ID, Path: def.Configuration.Path}
	}

	s := server.New(server.Options{
		ID:            def.ID,
		Name:          def.Name,
		Type:          t,
		Delegates:     m.opts.Types,
		Tasks:         m.opts.Tasks,
		Launches:      m.opts.Launches,
		PublishInfo:   m.opts.PublishInfo,
		Configuration: cfg,
		RuntimeID:     def.Runtime,
		Attributes:    attrs,
		Modules:       tree,
		RestartDelay:  m.opts.RestartDelay,
	})
	if err := s.CanModifyModules(tree.All(), nil); err != nil {
		return nil, fmt.Errorf("server %s: %w", def.ID, err)
	}

	e := &entry{server: s, nodes: def.Modules}
	if m.opts.Metrics != nil {
		e.metrics = m.opts.Metrics.Watch(s)
	}
	return e, nil
}

// Get returns the server with the given id.
func (m *Manager) Get(id string) (*server.Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.server, nil
}

// List returns all servers sorted by id.
func (m *Manager) List() []*server.Server {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*server.Server, 0, len(m.servers))
	for _, e := range m.servers {
		out = append(out, e.server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Nodes returns the declared module tree of a server.
func (m *Manager) Nodes(id string) []module.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.servers[id]; ok {
		return e.nodes
	}
	return nil
}

// Save persists the server right away, outside of a publish.
func (m *Manager) Save(id string) error {
	if m.opts.Storage == nil {
		return fmt.Errorf("no state storage configured")
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return m.opts.Storage.Save(s, m.Nodes(id))
}

// HandleDirty forwards a source change to the server owning the occurrence.
// It is the callback of the source watcher.
func (m *Manager) HandleDirty(serverID string, occ module.Occurrence) {
	s, err := m.Get(serverID)
	if err != nil {
		logging.Debug("Resources", "Dropping change for unknown server %s", serverID)
		return
	}
	logging.Debug("Resources", "Source of %s changed on %s", occ.Key(), serverID)
	s.HandleModuleChange(occ)
}

// WatchSources registers the module sources of every server with w.
// Relative sources are resolved against the workDir attribute.
func (m *Manager) WatchSources(ctx context.Context, w *publishinfo.Watcher) error {
	m.mu.Lock()
	m.watcher = w
	m.mu.Unlock()

	var errs []error
	for _, s := range m.List() {
		occs, err := module.Collect(ctx, s.DeclaredModules())
		if err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", s.ID(), err))
			continue
		}
		workDir := s.Attribute(process.AttrWorkDir, "")
		for _, occ := range occs {
			occ.Module.Source = resolveSource(workDir, occ.Module.Source)
			if err := w.Track(s.ID(), occ); err != nil {
				errs = append(errs, fmt.Errorf("server %s: %w", s.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func resolveSource(workDir, source string) string {
	if source == "" || filepath.IsAbs(source) || workDir == "" {
		return source
	}
	return filepath.Join(workDir, source)
}

// Close disposes every server. Running processes owned by a delegate are
// killed.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.servers {
		if m.watcher != nil {
			m.watcher.Untrack(id)
		}
		if e.metrics != nil {
			e.server.RemoveListener(e.metrics)
			m.opts.Metrics.Forget(id)
		}
		e.server.Dispose()
	}
	logging.Debug("Resources", "Released %d servers", len(m.servers))
}
