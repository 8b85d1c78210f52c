package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"servctl/internal/module"
	"servctl/internal/progress"
	"servctl/internal/server"
	"servctl/pkg/logging"
)

// ManifestFile is written to the deploy directory after every publish.
const ManifestFile = ".servctl-publish.yaml"

// ConfigDir is the deploy subdirectory the server configuration is copied to.
const ConfigDir = "config"

type manifest struct {
	Server      string    `yaml:"server"`
	PublishedAt time.Time `yaml:"publishedAt"`
	Modules     []string  `yaml:"modules"`
}

func (d *Delegate) deployDir() (string, error) {
	dir := d.host.Attribute(AttrDeployDir, "")
	if dir == "" {
		return "", fmt.Errorf("no %s configured for %s", AttrDeployDir, d.host.Name())
	}
	return dir, nil
}

// source resolves a module or configuration path against the working
// directory.
func (d *Delegate) source(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.host.Attribute(AttrWorkDir, ""), p)
}

func (d *Delegate) PublishStart(ctx context.Context, mon progress.Monitor) error {
	mon.Begin("Preparing deploy directory", 1)
	defer mon.Done()

	dir, err := d.deployDir()
	if err != nil {
		return err
	}
	if err := d.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create deploy directory %s: %w", dir, err)
	}
	d.mu.Lock()
	d.published = nil
	d.mu.Unlock()
	mon.Worked(1)
	return nil
}

// PublishServer copies the attached configuration into the config
// subdirectory of the deploy directory.
func (d *Delegate) PublishServer(ctx context.Context, mon progress.Monitor) error {
	cfg := d.host.Configuration()
	if cfg == nil || cfg.Path == "" {
		mon.Done()
		return nil
	}
	dir, err := d.deployDir()
	if err != nil {
		return err
	}
	dst := filepath.Join(dir, ConfigDir)
	if err := d.fs.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	return d.copyTree(ctx, d.source(cfg.Path), dst, mon)
}

// PublishModule replaces the module's directory in the deploy directory with
// a fresh copy of its source. Modules without a source have nothing to copy.
func (d *Delegate) PublishModule(ctx context.Context, parents []module.Module, m module.Module, mon progress.Monitor) error {
	key := module.PathKey(parents, m)
	if m.Source == "" {
		logging.Debug("Delegate.Process", "Module %s has no source, nothing to publish", key)
		mon.Done()
		return nil
	}
	dir, err := d.deployDir()
	if err != nil {
		return err
	}

	dst := filepath.Join(dir, filepath.FromSlash(key))
	if err := d.fs.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to clear %s: %w", dst, err)
	}
	if err := d.copyTree(ctx, d.source(m.Source), dst, mon); err != nil {
		return err
	}

	d.mu.Lock()
	d.published = append(d.published, key)
	d.mu.Unlock()
	return nil
}

// PublishStop writes the publish manifest. A running server picks up copied
// content only after a restart, so it is flagged as needing one.
func (d *Delegate) PublishStop(ctx context.Context, mon progress.Monitor) error {
	mon.Begin("Writing publish manifest", 1)
	defer mon.Done()

	dir, err := d.deployDir()
	if err != nil {
		return err
	}

	d.mu.Lock()
	mf := manifest{
		Server:      d.host.ID(),
		PublishedAt: time.Now().UTC(),
		Modules:     append([]string(nil), d.published...),
	}
	d.mu.Unlock()

	data, err := yaml.Marshal(mf)
	if err != nil {
		return fmt.Errorf("failed to encode publish manifest: %w", err)
	}
	if err := afero.WriteFile(d.fs, filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write publish manifest: %w", err)
	}
	mon.Worked(1)

	if len(mf.Modules) > 0 && d.host.ServerState() == server.StateStarted {
		d.host.SetServerRestartState(true)
	}
	return nil
}

func (d *Delegate) excluded(rel string) bool {
	for _, p := range d.excludes {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// copyTree copies src, a file or directory, to dst, skipping excluded paths.
// Progress is reported per file.
func (d *Delegate) copyTree(ctx context.Context, src, dst string, mon progress.Monitor) error {
	defer mon.Done()

	info, err := d.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if !info.IsDir() {
		mon.Begin(fmt.Sprintf("Copying %s", src), 1)
		if err := d.fs.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if err := d.copyFile(src, filepath.Join(dst, filepath.Base(src)), info.Mode()); err != nil {
			return err
		}
		mon.Worked(1)
		return nil
	}

	var files []string
	err = afero.Walk(d.fs, src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.excluded(filepath.ToSlash(rel)) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !fi.IsDir() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk %s: %w", src, err)
	}

	mon.Begin(fmt.Sprintf("Copying %s", src), len(files))
	if err := d.fs.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := filepath.Join(src, rel)
		fi, err := d.fs.Stat(from)
		if err != nil {
			return err
		}
		to := filepath.Join(dst, rel)
		if err := d.fs.MkdirAll(filepath.Dir(to), 0o755); err != nil {
			return err
		}
		if err := d.copyFile(from, to, fi.Mode()); err != nil {
			return err
		}
		mon.Worked(1)
	}
	logging.Debug("Delegate.Process", "Copied %d files from %s to %s", len(files), src, dst)
	return nil
}

func (d *Delegate) copyFile(from, to string, mode os.FileMode) error {
	in, err := d.fs.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := d.fs.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", from, err)
	}
	return out.Close()
}
