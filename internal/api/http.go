package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servctl/internal/config"
	"servctl/pkg/logging"
)

// Options configure the API server.
type Options struct {
	Config  config.APIConfig
	Servers Servers
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	Version  string
}

// Server serves the MCP tools, health and metrics over HTTP.
type Server struct {
	cfg     config.APIConfig
	mcp     *mcpserver.MCPServer
	router  chi.Router
	servers Servers

	mu         sync.Mutex
	httpServer *http.Server
	done       chan error
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(opts Options) *Server {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	mcp := mcpserver.NewMCPServer(
		"servctl",
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	NewServerTools(opts.Servers).Register(mcp)

	s := &Server{
		cfg:     opts.Config,
		mcp:     mcp,
		servers: opts.Servers,
	}
	s.router = s.routes(opts.Gatherer)
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	endpoint := s.cfg.Endpoint
	switch s.cfg.Transport {
	case config.TransportSSE:
		sse := mcpserver.NewSSEServer(s.mcp,
			mcpserver.WithBaseURL(s.baseURL()),
			mcpserver.WithSSEEndpoint(endpoint+"/sse"),
			mcpserver.WithMessageEndpoint(endpoint+"/message"),
			mcpserver.WithKeepAlive(true),
			mcpserver.WithKeepAliveInterval(30*time.Second),
		)
		r.Handle(endpoint+"/sse", sse.SSEHandler())
		r.Handle(endpoint+"/message", sse.MessageHandler())
	default:
		r.Handle(endpoint, mcpserver.NewStreamableHTTPServer(s.mcp,
			mcpserver.WithEndpointPath(endpoint),
		))
	}

	r.Get("/healthz", s.healthz)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Debug("API", "%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"servers": len(s.servers.List()),
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

func (s *Server) baseURL() string {
	return rootURL(s.cfg)
}

func rootURL(cfg config.APIConfig) string {
	host := cfg.Host
	switch host {
	case "", "0.0.0.0", "::":
		// wildcard listen addresses are not dialable
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

// EndpointURL is the URL a client connects to for cfg.
func EndpointURL(cfg config.APIConfig) string {
	if cfg.Transport == config.TransportSSE {
		return rootURL(cfg) + cfg.Endpoint + "/sse"
	}
	return rootURL(cfg) + cfg.Endpoint
}

// Endpoint is the URL clients connect to.
func (s *Server) Endpoint() string {
	return EndpointURL(s.cfg)
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return fmt.Errorf("api server already started")
	}

	ln, err := net.Listen("tcp", s.addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr(), err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.done = make(chan error, 1)

	logging.Info("API", "Serving MCP on %s", s.Endpoint())
	go func(done chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			logging.Error("API", err, "API server stopped")
		}
		done <- err
	}(s.done)
	return nil
}

// Done receives the serve error once serving ended, nil after Shutdown. It
// is nil before Start.
func (s *Server) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	logging.Info("API", "Shutting down API server")
	return srv.Shutdown(ctx)
}
