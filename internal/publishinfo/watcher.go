package publishinfo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"servctl/internal/module"
	"servctl/pkg/logging"
)

var defaultIgnores = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// DirtyFunc is called after an occurrence was marked dirty.
type DirtyFunc func(serverID string, occ module.Occurrence)

type registration struct {
	serverID string
	occ      module.Occurrence
	root     string
}

// Watcher marks module occurrences dirty when files under their source
// directory change.
type Watcher struct {
	store   *Store
	onDirty DirtyFunc
	ignores []string

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	regs []registration
}

// NewWatcher creates a watcher that records changes in store. extraIgnores
// are doublestar patterns matched against paths relative to a module source.
func NewWatcher(store *Store, onDirty DirtyFunc, extraIgnores ...string) (*Watcher, error) {
	for _, p := range extraIgnores {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		store:   store,
		onDirty: onDirty,
		ignores: append(append([]string{}, defaultIgnores...), extraIgnores...),
		fsw:     fsw,
	}, nil
}

// Track watches the source directory of occ on behalf of serverID. Modules
// without a source are ignored.
func (w *Watcher) Track(serverID string, occ module.Occurrence) error {
	if occ.Module.Source == "" {
		return nil
	}
	root, err := filepath.Abs(occ.Module.Source)
	if err != nil {
		return fmt.Errorf("failed to resolve source of %s: %w", occ.Module, err)
	}

	w.mu.Lock()
	w.regs = append(w.regs, registration{serverID: serverID, occ: occ, root: root})
	w.mu.Unlock()

	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			logging.Debug("Watcher", "Skipping inaccessible path %q: %v", path, walkErr)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		if path != root && w.isIgnored(rel+"/") {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}
	logging.Debug("Watcher", "Watching %s for %s on %s", root, occ.Key(), serverID)
	return nil
}

// Untrack stops recording changes for every occurrence of serverID.
func (w *Watcher) Untrack(serverID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.regs[:0]
	for _, r := range w.regs {
		if r.serverID != serverID {
			kept = append(kept, r)
		}
	}
	w.regs = kept
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("file watcher event channel closed")
			}
			if ev.Has(fsnotify.Create) {
				w.maybeAddDir(ev.Name)
			}
			w.handle(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("file watcher error channel closed")
			}
			logging.Warn("Watcher", "File watcher error: %v", err)
		}
	}
}

func (w *Watcher) handle(path string) {
	for _, r := range w.matching(path) {
		w.store.MarkDirty(r.serverID, r.occ.Key())
		logging.Debug("Watcher", "%s changed, %s on %s is dirty", path, r.occ.Key(), r.serverID)
		if w.onDirty != nil {
			w.onDirty(r.serverID, r.occ)
		}
	}
}

func (w *Watcher) matching(path string) []registration {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []registration
	for _, r := range w.regs {
		rel, err := filepath.Rel(r.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if w.isIgnored(rel) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := w.fsw.Add(path); err != nil {
		logging.Warn("Watcher", "Could not watch new directory %s: %v", path, err)
	}
}

func (w *Watcher) isIgnored(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}
