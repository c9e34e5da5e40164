// Package server hosts the live synchronization HTTP/WebSocket process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/meridianweb/meridian.site/internal/platform/telemetry/metrics"
	"github.com/meridianweb/meridian.site/internal/platform/timeouts"
	"github.com/meridianweb/meridian.site/internal/services/live/broadcast"
	"github.com/meridianweb/meridian.site/internal/services/live/registry"
	"github.com/meridianweb/meridian.site/internal/services/live/session"
	"github.com/meridianweb/meridian.site/internal/services/live/storage/sqlite"
)

const (
	sessionCookieName = "meridian_session"

	defaultWSPath = "/ws"

	maxDecodeErrorsPerConn = 3
)

// Config defines the inputs for the live transport boundary.
type Config struct {
	HTTPAddr string
	// DBPath locates the sqlite database file.
	DBPath string
	// WSPath is the websocket route. Defaults to /ws.
	WSPath            string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// Session enables token-gated routes when set. Nil disables auth
	// (tests and offline paths).
	Session *session.Config
}

// Server hosts the live HTTP/WebSocket process: the template registry, the
// change broadcaster, the snapshot read endpoint, and session revocation.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	transport       *broadcast.Transport
	registry        *registry.Registry
	metrics         *metrics.Live
	sessions        *session.Manager
}

// NewServer builds a configured live server over a sqlite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.WSPath == "" {
		config.WSPath = defaultWSPath
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open live store: %w", err)
	}

	reg, err := registry.New(store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init template registry: %w", err)
	}

	var sessions *session.Manager
	if config.Session != nil {
		sessions, err = session.NewManager(*config.Session, store)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init session manager: %w", err)
		}
	}

	live := metrics.NewLive()
	observer := broadcast.Observer{
		Connected:    func(total int) { live.ConnectedSessions.Set(float64(total)) },
		Disconnected: func(total int) { live.ConnectedSessions.Set(float64(total)) },
		Published: func(channel string, kind broadcast.Kind) {
			live.EventsPublished.WithLabelValues(channel, string(kind)).Inc()
		},
		DeliveryFailed: func(string) { live.DeliveryFailures.Inc() },
	}

	mux := http.NewServeMux()
	transport, attached, err := broadcast.AttachTransport(mux, config.WSPath, func(hub *broadcast.Hub) http.Handler {
		return newWSHandler(hub, sessions)
	}, observer)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("attach broadcast transport: %w", err)
	}
	if !attached {
		log.Printf("live: broadcast transport already attached, reusing process hub")
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		store:           store,
		transport:       transport,
		registry:        reg,
		metrics:         live,
		sessions:        sessions,
	}
	server.registerRoutes(mux)
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// Run creates and serves a live server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init live server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve live: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("live server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("live server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Handler exposes the full route set for in-process serving in tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Store exposes the backing store for seeding and admin glue.
func (s *Server) Store() *sqlite.Store {
	return s.store
}

// Sessions exposes the session manager, or nil when auth is disabled.
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Hub exposes the process broadcast hub.
func (s *Server) Hub() *broadcast.Hub {
	return s.transport.Hub()
}

// Close releases server resources and resets the broadcast transport.
func (s *Server) Close() {
	if s == nil {
		return
	}
	broadcast.TeardownTransport()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close live store: %v", err)
		}
	}
}
