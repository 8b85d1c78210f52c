package launch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"servctl/pkg/logging"
)

// FileName is the name of the launch configuration file in the state dir.
const FileName = "launches.yaml"

type fileFormat struct {
	Configurations []*Configuration `yaml:"configurations"`
}

// Store persists launch configurations in a single YAML file.
type Store struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	configs map[string]*Configuration // by id
}

// NewStore opens the store in dir, loading any existing configurations.
func NewStore(fs afero.Fs, dir string) (*Store, error) {
	s := &Store{
		fs:      fs,
		path:    filepath.Join(dir, FileName),
		configs: make(map[string]*Configuration),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read launch configurations: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	for _, c := range f.Configurations {
		if c == nil || c.ID == "" {
			continue
		}
		s.configs[c.ID] = c
	}
	logging.Debug("Storage", "Loaded %d launch configurations", len(s.configs))
	return nil
}

// FindByServer returns the configuration bound to serverID, or nil when there
// is none.
func (s *Store) FindByServer(serverID string) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.configs {
		if c.ServerID == serverID {
			return clone(c), nil
		}
	}
	return nil, nil
}

// Create makes a new configuration for serverID with a name derived from
// name that no other configuration uses. init may fill in defaults before
// the configuration is saved.
func (s *Store) Create(name, serverID string, init func(*Configuration)) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := &Configuration{
		ID:        uuid.NewString(),
		Name:      s.uniqueNameLocked(name),
		ServerID:  serverID,
		CreatedAt: time.Now().UTC(),
	}
	cfg.SetAttribute(AttrServerID, serverID)
	if init != nil {
		init(cfg)
	}

	s.configs[cfg.ID] = cfg
	if err := s.saveLocked(); err != nil {
		delete(s.configs, cfg.ID)
		return nil, err
	}
	logging.Info("Storage", "Created launch configuration %q for server %s", cfg.Name, serverID)
	return clone(cfg), nil
}

// DeleteForServer removes every configuration bound to serverID.
func (s *Store) DeleteForServer(serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := map[string]*Configuration{}
	for id, c := range s.configs {
		if c.ServerID == serverID {
			removed[id] = c
			delete(s.configs, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		for id, c := range removed {
			s.configs[id] = c
		}
		return err
	}
	return nil
}

// List returns all configurations sorted by name.
func (s *Store) List() []*Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Configuration, 0, len(s.configs))
	for _, c := range s.configs {
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) uniqueNameLocked(base string) string {
	taken := make(map[string]bool, len(s.configs))
	for _, c := range s.configs {
		taken[c.Name] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s (%d)", base, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (s *Store) saveLocked() error {
	f := fileFormat{Configurations: make([]*Configuration, 0, len(s.configs))}
	for _, c := range s.configs {
		f.Configurations = append(f.Configurations, c)
	}
	sort.Slice(f.Configurations, func(i, j int) bool { return f.Configurations[i].ID < f.Configurations[j].ID })

	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

func clone(c *Configuration) *Configuration {
	out := *c
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}
