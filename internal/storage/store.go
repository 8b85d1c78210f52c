// Package storage persists server definitions and their attribute changes as
// one YAML file per server.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"servctl/internal/module"
	"servctl/internal/server"
	"servctl/internal/task"
	"servctl/pkg/logging"
)

// ErrNotFound is returned for servers that were never saved.
var ErrNotFound = errors.New("server record not found")

// Record is the persisted form of a server.
type Record struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	Type          string                `yaml:"type"`
	RuntimeID     string                `yaml:"runtime,omitempty"`
	Configuration *server.Configuration `yaml:"configuration,omitempty"`
	Attributes    map[string]string     `yaml:"attributes,omitempty"`
	Modules       []module.Node         `yaml:"modules,omitempty"`
	SavedAt       time.Time             `yaml:"savedAt"`
}

// Store keeps records under <dir>/servers/<id>.yaml.
type Store struct {
	mu  sync.Mutex
	fs  afero.Fs
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: filepath.Join(dir, "servers")}
}

func (st *Store) path(id string) string {
	return filepath.Join(st.dir, id+".yaml")
}

// Save writes the current definition of s. nodes is the module tree s was
// declared with. On success the server is marked saved.
func (st *Store) Save(s *server.Server, nodes []module.Node) error {
	rec := Record{
		ID:            s.ID(),
		Name:          s.Name(),
		Type:          s.TypeID(),
		RuntimeID:     s.RuntimeID(),
		Configuration: s.Configuration(),
		Attributes:    s.Attributes(),
		Modules:       nodes,
		SavedAt:       time.Now().UTC(),
	}
	if err := st.Put(rec); err != nil {
		return err
	}
	s.MarkSaved()
	return nil
}

// Put writes rec, replacing an earlier record of the same server.
func (st *Store) Put(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("cannot save a server without id")
	}
	if strings.ContainsAny(rec.ID, `/\`) {
		return fmt.Errorf("invalid server id %q", rec.ID)
	}
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode server %s: %w", rec.ID, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.fs.MkdirAll(st.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", st.dir, err)
	}
	tmp := st.path(rec.ID) + ".tmp"
	if err := afero.WriteFile(st.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write server %s: %w", rec.ID, err)
	}
	if err := st.fs.Rename(tmp, st.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to write server %s: %w", rec.ID, err)
	}
	logging.Debug("Storage", "Saved server %s", rec.ID)
	return nil
}

// Load reads the record of server id.
func (st *Store) Load(id string) (*Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loadLocked(st.path(id))
}

func (st *Store) loadLocked(path string) (*Record, error) {
	data, err := afero.ReadFile(st.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &rec, nil
}

// List returns all records sorted by id. Unreadable files are skipped.
func (st *Store) List() ([]Record, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entries, err := afero.ReadDir(st.fs, st.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", st.dir, err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		rec, err := st.loadLocked(filepath.Join(st.dir, e.Name()))
		if err != nil {
			logging.Warn("Storage", "Skipping server record %s: %v", e.Name(), err)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes the record of server id. Deleting a missing record is not an
// error.
func (st *Store) Delete(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	err := st.fs.Remove(st.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete server %s: %w", id, err)
	}
	return nil
}

// SaveFunc adapts the store to the save-server publish task. nodes returns
// the declared module tree of a server.
func (st *Store) SaveFunc(nodes func(serverID string) []module.Node) task.SaveFunc {
	return func(ctx context.Context, target task.Target) error {
		s, ok := target.(*server.Server)
		if !ok {
			return fmt.Errorf("cannot save %T", target)
		}
		return st.Save(s, nodes(s.ID()))
	}
}
