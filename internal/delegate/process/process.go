// Package process runs a server as a local child process. The server is
// started from a command line, considered started once its health URL
// answers, and published to by copying module content into a deploy
// directory.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"mvdan.cc/sh/v3/shell"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/internal/server"
	"servctl/pkg/logging"
)

// DelegateKey is the factory key of this delegate.
const DelegateKey = "process"

// Server attributes read by the delegate.
const (
	AttrCommand     = "command"
	AttrWorkDir     = "workDir"
	AttrDeployDir   = "deployDir"
	AttrHealthURL   = "healthURL"
	AttrStopTimeout = "stopTimeout"
	AttrExcludes    = "publishExcludes"
	AttrPorts       = "ports"
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultReadyTimeout = 2 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
)

// DefaultExcludes are never copied when publishing.
var DefaultExcludes = []string{".git/**", "**/.DS_Store", "**/*.swp"}

// execCommand is replaced in tests.
var execCommand = exec.Command

// Options configure delegates created by NewFactory.
type Options struct {
	// Fs is where module content is read from and published to.
	Fs         afero.Fs
	HTTPClient *http.Client
	// ReadyTimeout bounds how long a started process may take to answer its
	// health URL before it is stopped again.
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

// NewFactory returns a factory for process delegates.
func NewFactory(opts Options) server.DelegateFactory {
	return func() (server.Delegate, error) {
		return New(opts), nil
	}
}

// Delegate implements server.Delegate for local processes.
type Delegate struct {
	fs           afero.Fs
	client       *http.Client
	readyTimeout time.Duration
	pollInterval time.Duration

	host     server.Host
	excludes []string

	mu        sync.Mutex
	proc      *running
	published []string

	// transition orders the started and stopped reports of a process, so an
	// exit is never overtaken by a late readiness report.
	transition sync.Mutex
}

type running struct {
	cmd    *exec.Cmd
	pid    int
	launch *launch.Launch
	done   chan struct{}
	cancel context.CancelFunc
}

// New returns an uninitialised delegate.
func New(opts Options) *Delegate {
	d := &Delegate{
		fs:           opts.Fs,
		client:       opts.HTTPClient,
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
	}
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: 5 * time.Second}
	}
	if d.readyTimeout <= 0 {
		d.readyTimeout = defaultReadyTimeout
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	return d
}

func (d *Delegate) Initialize(host server.Host) error {
	d.host = host
	d.excludes = append([]string(nil), DefaultExcludes...)
	for _, p := range strings.Split(host.Attribute(AttrExcludes, ""), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid publish exclude pattern %q", p)
		}
		d.excludes = append(d.excludes, p)
	}
	return nil
}

// Dispose kills a process that is still running.
func (d *Delegate) Dispose() {
	if r := d.current(); r != nil {
		logging.Info("Delegate.Process", "Killing %s (pid %d) on dispose", d.host.Name(), r.pid)
		r.cancel()
		_ = killGroup(r.pid, syscall.SIGKILL)
	}
}

func (d *Delegate) current() *running {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc
}

// SetLaunchDefaults copies the command and working directory into a new
// launch configuration so they can be changed per launch.
func (d *Delegate) SetLaunchDefaults(cfg *launch.Configuration) {
	cfg.SetAttribute(AttrCommand, d.host.Attribute(AttrCommand, ""))
	if wd := d.host.Attribute(AttrWorkDir, ""); wd != "" {
		cfg.SetAttribute(AttrWorkDir, wd)
	}
}

func (d *Delegate) setting(l *launch.Launch, key string) string {
	def := d.host.Attribute(key, "")
	if l == nil || l.Configuration == nil {
		return def
	}
	return l.Configuration.Attribute(key, def)
}

// Launch starts the process and moves the server to StateStarting. The
// server becomes started once the health URL answers, or right away when
// none is configured.
func (d *Delegate) Launch(ctx context.Context, l *launch.Launch) error {
	if r := d.current(); r != nil {
		return fmt.Errorf("%s is already running with pid %d", d.host.Name(), r.pid)
	}

	cmdline := d.setting(l, AttrCommand)
	args, err := shell.Fields(cmdline, os.Getenv)
	if err != nil {
		return fmt.Errorf("failed to parse command %q: %w", cmdline, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("no command configured for %s", d.host.Name())
	}

	cmd := execCommand(args[0], args[1:]...)
	cmd.Dir = d.setting(l, AttrWorkDir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"SERVCTL_SERVER_ID="+d.host.ID(),
		"SERVCTL_MODE="+l.Mode,
		"SERVCTL_DEPLOY_DIR="+d.host.Attribute(AttrDeployDir, ""),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", d.host.Name(), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe for %s: %w", d.host.Name(), err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process for %s (%s): %w", d.host.Name(), cmdline, err)
	}

	readyCtx, cancel := context.WithCancel(context.Background())
	r := &running{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		launch: l,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	d.mu.Lock()
	d.proc = r
	d.mu.Unlock()

	logging.Info("Delegate.Process", "Started %s with pid %d: %s", d.host.Name(), r.pid, cmdline)
	d.host.SetServerState(server.StateStarting)

	var pipes sync.WaitGroup
	pipes.Add(2)
	go d.pump(&pipes, r.pid, "stdout", stdout)
	go d.pump(&pipes, r.pid, "stderr", stderr)

	go d.wait(r, &pipes)
	go d.awaitReady(readyCtx, r, d.host.Attribute(AttrHealthURL, ""))
	return nil
}

func (d *Delegate) pump(wg *sync.WaitGroup, pid int, stream string, rd io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		logging.Debug("Delegate.Process", "[%s %d %s] %s", d.host.Name(), pid, stream, scanner.Text())
	}
}

func (d *Delegate) wait(r *running, pipes *sync.WaitGroup) {
	pipes.Wait()
	err := r.cmd.Wait()
	r.cancel()
	close(r.done)

	d.transition.Lock()
	defer d.transition.Unlock()
	d.mu.Lock()
	if d.proc == r {
		d.proc = nil
	}
	d.mu.Unlock()
	r.launch.MarkTerminated()

	if err != nil {
		logging.Warn("Delegate.Process", "Process %d of %s exited: %v", r.pid, d.host.Name(), err)
	} else {
		logging.Info("Delegate.Process", "Process %d of %s exited", r.pid, d.host.Name())
	}
	d.setModuleStates(server.StateStopped)
	d.host.SetServerState(server.StateStopped)
}

func (d *Delegate) awaitReady(ctx context.Context, r *running, healthURL string) {
	if healthURL != "" {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.pollInterval
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = d.readyTimeout
		b.Reset()

		err := backoff.Retry(func() error {
			return d.probe(ctx, healthURL)
		}, backoff.WithContext(b, ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Error("Delegate.Process", err, "%s did not become ready at %s, stopping it", d.host.Name(), healthURL)
			_ = d.Stop(context.Background())
			return
		}
	}

	d.transition.Lock()
	defer d.transition.Unlock()
	if d.current() != r {
		return
	}
	d.setModuleStates(server.StateStarted)
	d.host.SetServerState(server.StateStarted)
}

func (d *Delegate) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("health check returned %s", resp.Status)
}

func (d *Delegate) setModuleStates(state server.State) {
	for _, m := range d.host.DeclaredModules().All() {
		d.host.SetModuleState(m, state)
	}
}

// Stop sends SIGTERM to the process group and SIGKILL once the stop timeout
// has passed.
func (d *Delegate) Stop(ctx context.Context) error {
	r := d.current()
	if r == nil {
		d.host.SetServerState(server.StateStopped)
		return nil
	}

	d.host.SetServerState(server.StateStopping)
	if err := killGroup(r.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop %s (pid %d): %w", d.host.Name(), r.pid, err)
	}

	timeout := defaultStopTimeout
	if v := d.host.Attribute(AttrStopTimeout, ""); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			timeout = parsed
		} else {
			logging.Warn("Delegate.Process", "Ignoring invalid %s %q: %v", AttrStopTimeout, v, err)
		}
	}
	go func() {
		select {
		case <-r.done:
		case <-time.After(timeout):
			logging.Warn("Delegate.Process", "%s did not stop within %s, killing pid %d", d.host.Name(), timeout, r.pid)
			_ = killGroup(r.pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// Terminate kills the process group right away.
func (d *Delegate) Terminate(ctx context.Context) error {
	r := d.current()
	if r == nil {
		d.host.SetServerState(server.StateStopped)
		return nil
	}
	if err := killGroup(r.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %s (pid %d): %w", d.host.Name(), r.pid, err)
	}
	return nil
}

func killGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Restart is not supported; the server falls back to stop and start.
func (d *Delegate) Restart(ctx context.Context, mode server.Mode) error {
	return server.ErrNotSupported
}

func (d *Delegate) CanRestartModule(m module.Module) bool { return false }

func (d *Delegate) RestartModule(ctx context.Context, m module.Module) error {
	return fmt.Errorf("%w: %s cannot restart single modules", server.ErrNotSupported, d.host.Name())
}

func (d *Delegate) Modules(ctx context.Context) ([]module.Module, error) {
	return d.host.DeclaredModules().Modules(ctx)
}

func (d *Delegate) ChildModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ChildModules(ctx, m)
}

func (d *Delegate) ParentModules(ctx context.Context, m module.Module) ([]module.Module, error) {
	return d.host.DeclaredModules().ParentModules(m), nil
}

// Ports parses the ports attribute, a comma separated list of
// name:port[/protocol] entries.
func (d *Delegate) Ports() []server.Port {
	return ParsePorts(d.host.Attribute(AttrPorts, ""))
}

// ParsePorts parses "http:8080,debug:5005/udp". Malformed entries are
// skipped.
func ParsePorts(s string) []server.Port {
	var out []server.Port
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, rest, ok := strings.Cut(entry, ":")
		if !ok {
			name, rest = "", entry
		}
		num, proto, _ := strings.Cut(rest, "/")
		port, err := strconv.Atoi(num)
		if err != nil {
			logging.Warn("Delegate.Process", "Ignoring malformed port %q", entry)
			continue
		}
		if proto == "" {
			proto = "tcp"
		}
		out = append(out, server.Port{Name: name, Port: port, Protocol: proto})
	}
	return out
}
