package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"servctl/internal/launch"
	"servctl/internal/module"
	"servctl/pkg/logging"
)

// Default timeouts of the synchronous operations.
const (
	DefaultStartTimeout         = 120 * time.Second
	DefaultStopTimeout          = 120 * time.Second
	DefaultModuleRestartTimeout = 30 * time.Second
)

// CanStart reports whether the server may be started in mode.
func (s *Server) CanStart(mode Mode) bool {
	st := s.ServerState()
	if st != StateStopped && st != StateUnknown {
		return false
	}
	return s.typ.SupportsMode(mode)
}

// CanRestart reports whether the server may be restarted in mode.
func (s *Server) CanRestart(mode Mode) bool {
	if !s.typ.SupportsMode(mode) {
		return false
	}
	return s.ServerState() == StateStarted
}

// CanStop reports whether the server may be stopped.
func (s *Server) CanStop() bool {
	return s.ServerState() != StateStopped
}

// CanRestartModule asks the delegate whether m can be restarted.
func (s *Server) CanRestartModule(m module.Module) bool {
	d, err := s.Delegate()
	if err != nil {
		return false
	}
	return d.CanRestartModule(m)
}

// ExistingLaunch returns the last launch of the server unless it has
// terminated.
func (s *Server) ExistingLaunch() *launch.Launch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastLaunch == nil || s.lastLaunch.IsTerminated() {
		return nil
	}
	return s.lastLaunch
}

// LaunchConfiguration returns the persisted launch configuration bound to
// the server. When there is none and create is set, one is created and the
// delegate fills in its defaults.
func (s *Server) LaunchConfiguration(create bool) (*launch.Configuration, error) {
	if s.launches == nil {
		return nil, fmt.Errorf("no launch store configured for %s", s)
	}
	cfg, err := s.launches.FindByServer(s.id)
	if err != nil {
		return nil, err
	}
	if cfg != nil || !create {
		return cfg, nil
	}
	return s.launches.Create(s.name, s.id, func(c *launch.Configuration) {
		d, err := s.Delegate()
		if err != nil {
			logging.Error("Lifecycle", err, "Could not set launch defaults for %s", s)
			return
		}
		d.SetLaunchDefaults(c)
	})
}

// Start launches the server in mode and returns the launch handle. The run
// state is left to the delegate; on failure it is unchanged.
func (s *Server) Start(ctx context.Context, mode Mode) (*launch.Launch, error) {
	logging.Info("Lifecycle", "Starting server %s in %s mode", s, mode)

	if !s.CanStart(mode) {
		err := fmt.Errorf("%w: cannot start %s in %s mode while %s", ErrInvalidState, s, mode, s.ServerState())
		logging.Error("Lifecycle", err, "Error starting server %s", s)
		return nil, err
	}

	d, err := s.Delegate()
	if err != nil {
		logging.Error("Lifecycle", err, "Error starting server %s", s)
		return nil, err
	}

	cfg, err := s.LaunchConfiguration(true)
	if err != nil {
		logging.Error("Lifecycle", err, "Error starting server %s", s)
		return nil, fmt.Errorf("failed to resolve launch configuration of %s: %w", s, err)
	}

	l := launch.New(cfg, string(mode))
	s.state.SetMode(mode)

	// Recorded before the delegate runs, it may report the server started
	// before Launch returns.
	s.mu.Lock()
	prev := s.lastLaunch
	s.lastLaunch = l
	s.mu.Unlock()

	if err := d.Launch(ctx, l); err != nil {
		s.mu.Lock()
		if s.lastLaunch == l {
			s.lastLaunch = prev
		}
		s.mu.Unlock()
		logging.Error("Lifecycle", err, "Error starting server %s", s)
		return nil, fmt.Errorf("failed to start server %s: %w", s, err)
	}
	logging.Debug("Lifecycle", "Launch %s of %s handed to delegate", l.ID, s)
	return l, nil
}

// Restart restarts the server in mode. It does nothing when the server is
// stopped. When the delegate cannot restart in place, the server is stopped
// and started again once it reports StateStopped.
func (s *Server) Restart(ctx context.Context, mode Mode) {
	if s.ServerState() == StateStopped {
		return
	}
	logging.Info("Lifecycle", "Restarting server %s", s)

	d, err := s.Delegate()
	if err != nil {
		logging.Error("Lifecycle", err, "Error restarting server %s", s)
		return
	}

	err = s.call("restart", func() error { return d.Restart(ctx, mode) })
	if err == nil {
		return
	}
	if errors.Is(err, ErrNotSupported) {
		logging.Debug("Lifecycle", "Delegate of %s cannot restart in place, stopping and starting", s)
	} else {
		logging.Error("Lifecycle", err, "Error calling delegate restart for %s", s)
	}

	s.startWhenStopped(mode)
	s.Stop(ctx)
}

// startWhenStopped installs a one-shot listener that starts the server in
// mode, after the restart delay, once it reaches StateStopped.
func (s *Server) startWhenStopped(mode Mode) {
	var (
		mu    sync.Mutex
		reg   *Registration
		fired bool
	)
	mu.Lock()
	defer mu.Unlock()
	reg = s.listeners.Add(EventServerStateChange, ListenerFunc(func(ev Event) {
		if ev.Server.ServerState() != StateStopped {
			return
		}
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		r := reg
		mu.Unlock()

		s.listeners.Remove(r)
		go func() {
			time.Sleep(s.restartDelay)
			if _, err := s.Start(context.Background(), mode); err != nil {
				logging.Error("Lifecycle", err, "Error while restarting server %s", s)
			}
		}()
	}))
}

// Stop asks the delegate to stop the server. It does nothing when the server
// is already stopped. Completion is reported through state change events;
// delegate errors are logged.
func (s *Server) Stop(ctx context.Context) {
	if s.ServerState() == StateStopped {
		return
	}
	logging.Info("Lifecycle", "Stopping server %s", s)

	d, err := s.Delegate()
	if err != nil {
		logging.Error("Lifecycle", err, "Error stopping server %s", s)
		return
	}
	if err := s.call("stop", func() error { return d.Stop(ctx) }); err != nil {
		logging.Error("Lifecycle", err, "Error calling delegate stop for %s", s)
	}
}

// Terminate forcibly ends the server. Unlike Stop it always reaches the
// delegate.
func (s *Server) Terminate(ctx context.Context) {
	logging.Info("Lifecycle", "Terminating server %s", s)

	d, err := s.Delegate()
	if err != nil {
		logging.Error("Lifecycle", err, "Error terminating server %s", s)
		return
	}
	if err := s.call("terminate", func() error { return d.Terminate(ctx) }); err != nil {
		logging.Error("Lifecycle", err, "Error calling delegate terminate for %s", s)
	}
	if l := s.ExistingLaunch(); l != nil {
		l.MarkTerminated()
	}
}

// RestartModule asks the delegate to restart m in the background. Errors are
// logged.
func (s *Server) RestartModule(ctx context.Context, m module.Module) {
	d, err := s.Delegate()
	if err != nil {
		logging.Error("Lifecycle", err, "Error restarting module %s on %s", m, s)
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.call("restart module", func() error { return d.RestartModule(ctx, m) }); err != nil {
			logging.Error("Lifecycle", err, "Error restarting module %s on %s", m, s)
		}
	}()
}

// SynchronousStart starts the server and waits until it is started or has
// stopped again. A timeout of zero means DefaultStartTimeout. It fails with
// ErrTimeout when neither state is reached in time and with ErrStartFailed
// when the server ended up stopped.
func (s *Server) SynchronousStart(ctx context.Context, mode Mode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	w := newWaiter()
	reg := s.listeners.Add(EventServerStateChange, w)
	defer s.listeners.Remove(reg)

	if _, err := s.Start(ctx, mode); err != nil {
		return err
	}

	err := w.wait(ctx, timeout, func() bool {
		st := s.ServerState()
		return st == StateStarted || st == StateStopped
	})
	if err != nil {
		if errors.Is(err, errWaitTimeout) {
			return fmt.Errorf("%w: %s did not start within %s", ErrTimeout, s, timeout)
		}
		return err
	}
	if s.ServerState() == StateStopped {
		return fmt.Errorf("%w: %s", ErrStartFailed, s)
	}
	return nil
}

// SynchronousStop stops the server and waits until it is stopped. A timeout
// of zero means DefaultStopTimeout. Running out of time is logged, not
// returned; only a cancelled ctx yields an error.
func (s *Server) SynchronousStop(ctx context.Context, timeout time.Duration) error {
	if s.ServerState() == StateStopped {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	w := newWaiter()
	reg := s.listeners.Add(EventServerStateChange, w)
	defer s.listeners.Remove(reg)

	s.Stop(ctx)

	err := w.wait(ctx, timeout, func() bool {
		return s.ServerState() == StateStopped
	})
	if errors.Is(err, errWaitTimeout) {
		logging.Warn("Lifecycle", "Server %s did not stop within %s", s, timeout)
		return nil
	}
	return err
}

// SynchronousRestart restarts the server and waits until it is started
// again. A stopped server is started instead. A timeout of zero means
// DefaultStartTimeout.
func (s *Server) SynchronousRestart(ctx context.Context, mode Mode, timeout time.Duration) error {
	if s.ServerState() == StateStopped {
		return s.SynchronousStart(ctx, mode, timeout)
	}
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	var (
		mu   sync.Mutex
		left bool
	)
	w := newWaiter()
	reg := s.listeners.Add(EventServerStateChange, ListenerFunc(func(ev Event) {
		if ev.Server.ServerState() != StateStarted {
			mu.Lock()
			left = true
			mu.Unlock()
		}
		w.HandleEvent(ev)
	}))
	defer s.listeners.Remove(reg)

	s.Restart(ctx, mode)

	err := w.wait(ctx, timeout, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return left && s.ServerState() == StateStarted
	})
	if errors.Is(err, errWaitTimeout) {
		return fmt.Errorf("%w: %s did not restart within %s", ErrTimeout, s, timeout)
	}
	return err
}

// SynchronousRestartModule restarts m and waits until it is started or
// stopped. A timeout of zero means DefaultModuleRestartTimeout.
func (s *Server) SynchronousRestartModule(ctx context.Context, m module.Module, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultModuleRestartTimeout
	}
	d, err := s.Delegate()
	if err != nil {
		return err
	}

	w := newWaiter()
	reg := s.listeners.Add(EventModuleStateChange, ListenerFunc(func(ev Event) {
		if ev.Module != nil && ev.Module.Same(m) {
			w.HandleEvent(ev)
		}
	}))

	if err := s.call("restart module", func() error { return d.RestartModule(ctx, m) }); err != nil {
		s.listeners.Remove(reg)
		return fmt.Errorf("failed to restart module %s on %s: %w", m, s, err)
	}
	defer s.listeners.Remove(reg)

	err = w.wait(ctx, timeout, func() bool {
		st := s.ModuleState(m)
		return st == StateStarted || st == StateStopped
	})
	if err != nil {
		if errors.Is(err, errWaitTimeout) {
			return fmt.Errorf("%w: module %s on %s did not restart within %s", ErrTimeout, m, s, timeout)
		}
		return err
	}
	if s.ModuleState(m) == StateStopped {
		return fmt.Errorf("%w: %s on %s", ErrModuleRestartFailed, m, s)
	}
	return nil
}

// call runs a delegate operation, turning a panic into an error.
func (s *Server) call(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Lifecycle", fmt.Errorf("panic: %v", r), "Delegate %s of %s panicked\n%s", op, s, debug.Stack())
			err = fmt.Errorf("delegate %s panicked: %v", op, r)
		}
	}()
	return fn()
}
