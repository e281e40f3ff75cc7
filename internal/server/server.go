package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Deps are the collaborators a Server is assembled from.
type Deps struct {
	Messages      store.MessageStore
	PushRecords   store.PushRecordStore
	Sessions      store.PresenceStore
	Authenticator auth.Authenticator
	// Notifier publishes pending hints to other nodes. Nil disables them.
	Notifier relay.Notifier
	// Registerer and Gatherer default to a private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

// Server owns the connection registry and every component built on it.
type Server struct {
	cfg         *Config
	registry    *Registry
	presence    *Presence
	coordinator *Coordinator
	router      *Router
	sweeper     *Sweeper
	sessions    store.PresenceStore
	auth        auth.Authenticator
	origins     *originPolicy
	upgrader    websocket.Upgrader
	metrics     *Metrics
	gatherer    prometheus.Gatherer
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connMu orders connection admission against shutdown.
	connMu  sync.Mutex
	closing bool

	httpServer   *http.Server
	shutdownOnce sync.Once
	shutdownErr  error
}

// New assembles a Server. Background jobs and the listener are started by
// Start and ListenAndServe.
func New(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if deps.Messages == nil || deps.PushRecords == nil || deps.Sessions == nil {
		return nil, errors.New("server: message, push record and session stores are required")
	}
	if deps.Authenticator == nil {
		return nil, errors.New("server: authenticator is required")
	}

	if deps.Registerer == nil && deps.Gatherer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer, deps.Gatherer = reg, reg
	}
	if deps.Registerer == nil || deps.Gatherer == nil {
		return nil, errors.New("server: registerer and gatherer must be set together")
	}

	logger := deps.Logger
	metrics := NewMetrics(deps.Registerer)
	registry := NewRegistry(metrics, logger)
	presence := NewPresence(registry, deps.Sessions, cfg.PresenceTTL, logger)
	coordinator := NewCoordinator(registry, deps.Messages, deps.PushRecords, presence,
		deps.Notifier, cfg.deliveryConfig(), metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		presence:    presence,
		coordinator: coordinator,
		router: NewRouter(registry, coordinator, deps.Messages, deps.Sessions, presence,
			cfg.routerConfig(), metrics, logger),
		sweeper:  NewSweeper(registry, deps.Sessions, coordinator, cfg.sweeperConfig(), metrics, logger),
		sessions: deps.Sessions,
		auth:     deps.Authenticator,
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		metrics:  metrics,
		gatherer: deps.Gatherer,
		logger:   logger.With().Str("component", "server").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.httpServer = CreateServer(cfg.Port, s.SetupRoutes())
	return s, nil
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Coordinator returns the delivery coordinator.
func (s *Server) Coordinator() *Coordinator { return s.coordinator }

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start launches the sweeper and its scheduled jobs.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer logging.RecoverPanic(s.logger, "sweeper")
		s.sweeper.Run(s.ctx)
	}()
}

// ListenAndServe serves HTTP on the configured port until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandlePendingNotice flushes queued messages of userID when another node
// reports that it queued one for a user connected here.
func (s *Server) HandlePendingNotice(ctx context.Context, userID string) {
	if !s.registry.IsOnline(userID) {
		return
	}
	if _, err := s.coordinator.HandleUserOnline(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to flush after pending notice")
	}
}

// acquireConn admits one connection goroutine. It fails once shutdown has
// begun, so no connection is registered after the registry is drained.
func (s *Server) acquireConn() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown stops accepting connections, closes every live connection and
// waits for connection and job goroutines to finish or the timeout to pass.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(timeout)
	})
	return s.shutdownErr
}

func (s *Server) shutdown(timeout time.Duration) error {
	s.logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()

	s.cancel()
	conns := s.registry.Snapshot()
	s.registry.Drain(ctx)
	// Close paths of drained connections may not finish before the deadline.
	for _, conn := range conns {
		if err := s.sessions.MarkOffline(ctx, conn.ID()); err != nil {
			s.logger.Debug().Err(err).Str("conn_id", conn.ID()).Msg("failed to mark session offline")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("server shutdown completed")
	case <-ctx.Done():
		s.logger.Warn().Dur("timeout", timeout).Msg("server shutdown timed out waiting for goroutines")
		errs = append(errs, fmt.Errorf("shutdown timed out after %s", timeout))
	}
	return errors.Join(errs...)
}
