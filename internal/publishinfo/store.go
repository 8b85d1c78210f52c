// Package publishinfo tracks, per server and module occurrence, whether the
// module content changed since it was last published.
package publishinfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"servctl/internal/module"
	"servctl/pkg/logging"
)

// Control is the publish bookkeeping of one module occurrence on one server.
type Control struct {
	Key           string    `yaml:"key" json:"key"`
	Dirty         bool      `yaml:"dirty" json:"dirty"`
	LastPublished time.Time `yaml:"lastPublished,omitempty" json:"lastPublished,omitempty"`
	LastChanged   time.Time `yaml:"lastChanged,omitempty" json:"lastChanged,omitempty"`
}

type fileFormat struct {
	Server   string     `yaml:"server"`
	Controls []*Control `yaml:"controls"`
}

// Store holds controls for all servers and saves them per server under
// <dir>/publish/<server>.yaml.
type Store struct {
	mu      sync.Mutex
	fs      afero.Fs
	dir     string
	servers map[string]map[string]*Control
}

// NewStore returns a store rooted at dir. Server files are loaded lazily.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{
		fs:      fs,
		dir:     filepath.Join(dir, "publish"),
		servers: make(map[string]map[string]*Control),
	}
}

func (s *Store) path(serverID string) string {
	return filepath.Join(s.dir, serverID+".yaml")
}

func (s *Store) controlsLocked(serverID string) map[string]*Control {
	if c, ok := s.servers[serverID]; ok {
		return c
	}
	controls := make(map[string]*Control)
	s.servers[serverID] = controls

	data, err := afero.ReadFile(s.fs, s.path(serverID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("Storage", "Could not read publish info for %s: %v", serverID, err)
		}
		return controls
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		logging.Warn("Storage", "Ignoring corrupt publish info for %s: %v", serverID, err)
		return controls
	}
	for _, c := range f.Controls {
		if c != nil && c.Key != "" {
			controls[c.Key] = c
		}
	}
	return controls
}

// IsDirty reports whether the occurrence changed since it was last published.
// An occurrence that was never published is dirty.
func (s *Store) IsDirty(serverID string, parents []module.Module, m module.Module) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controlsLocked(serverID)[module.PathKey(parents, m)]
	if !ok {
		return true
	}
	return c.Dirty
}

// MarkDirty flags the occurrence identified by key as changed.
func (s *Store) MarkDirty(serverID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	controls := s.controlsLocked(serverID)
	c, ok := controls[key]
	if !ok {
		c = &Control{Key: key}
		controls[key] = c
	}
	c.Dirty = true
	c.LastChanged = time.Now().UTC()
}

// MarkPublished records a successful publish of the occurrence.
func (s *Store) MarkPublished(serverID string, parents []module.Module, m module.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := module.PathKey(parents, m)
	controls := s.controlsLocked(serverID)
	c, ok := controls[key]
	if !ok {
		c = &Control{Key: key}
		controls[key] = c
	}
	c.Dirty = false
	c.LastPublished = time.Now().UTC()
}

// Controls returns a copy of the controls of serverID sorted by key.
func (s *Store) Controls(serverID string) []Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	controls := s.controlsLocked(serverID)
	out := make([]Control, 0, len(controls))
	for _, c := range controls {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Save writes the controls of serverID to disk.
func (s *Store) Save(serverID string) error {
	s.mu.Lock()
	controls := s.controlsLocked(serverID)
	f := fileFormat{Server: serverID, Controls: make([]*Control, 0, len(controls))}
	for _, c := range controls {
		cp := *c
		f.Controls = append(f.Controls, &cp)
	}
	s.mu.Unlock()

	sort.Slice(f.Controls, func(i, j int) bool { return f.Controls[i].Key < f.Controls[j].Key })
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create publish info directory: %w", err)
	}
	tmp := s.path(serverID) + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write publish info for %s: %w", serverID, err)
	}
	return s.fs.Rename(tmp, s.path(serverID))
}

// Forget drops all bookkeeping of serverID, in memory and on disk.
func (s *Store) Forget(serverID string) error {
	s.mu.Lock()
	delete(s.servers, serverID)
	s.mu.Unlock()
	if err := s.fs.Remove(s.path(serverID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
