package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servctl/internal/server"
	"servctl/pkg/logging"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// journalKinds are the events reported in the serve log.
const journalKinds = server.EventServerStateChange |
	server.EventRestartStateChange |
	server.EventPublishFinished

// journalBuffer is the per-server event backlog.
const journalBuffer = 64

// runServe starts source watching and the API, then blocks until shutdown.
// Servers that are still running are left running.
func runServe(ctx context.Context, config *Config, services *Services) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer services.Manager.Close()

	for _, s := range services.Manager.List() {
		go journal(s.ID(), s.Listeners().Watch(ctx, journalBuffer, journalKinds))
	}

	if services.Watcher != nil {
		if err := services.Manager.WatchSources(ctx, services.Watcher); err != nil {
			// a missing source dir should not keep the API down
			logging.Warn("Bootstrap", "Some module sources are not watched: %v", err)
		}
		go func() {
			if err := services.Watcher.Run(ctx); err != nil {
				logging.Error("Watcher", err, "Source watcher stopped")
			}
		}()
	}

	if err := services.API.Start(); err != nil {
		logging.Error("Bootstrap", err, "Failed to start API server")
		return err
	}
	logging.Info("Bootstrap", "Serving %s. Press Ctrl+C to exit.", services.API.Endpoint())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var serveErr error
	select {
	case sig := <-sigChan:
		logging.Info("Bootstrap", "Received %s, shutting down", sig)
	case <-ctx.Done():
		logging.Info("Bootstrap", "Context done, shutting down")
	case serveErr = <-services.API.Done():
		logging.Error("Bootstrap", serveErr, "API server stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := services.API.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	return serveErr
}

// journal logs lifecycle and publish events of one server until events is
// closed.
func journal(serverID string, events <-chan server.Event) {
	for ev := range events {
		switch ev.Kind {
		case server.EventServerStateChange:
			logging.Info("Server", "Server %s is %s", serverID, ev.State)
		case server.EventRestartStateChange:
			if ev.Restart {
				logging.Info("Server", "Server %s needs a restart to pick up published changes", serverID)
			}
		case server.EventPublishFinished:
			if ev.Status != nil && !ev.Status.IsOK() {
				logging.Warn("Publish", "Publish to %s finished with %s: %s", serverID, ev.Status.Severity(), ev.Status.Message())
			} else {
				logging.Info("Publish", "Publish to %s finished", serverID)
			}
		}
	}
}
