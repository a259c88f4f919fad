package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/zsiec/devicemirror/internal/config"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/health"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/registry"
	"github.com/zsiec/devicemirror/pkg/frame"
	"github.com/zsiec/devicemirror/pkg/mirror"
)

// SessionSource is the view of a mirroring session the status API serves.
type SessionSource interface {
	ID() string
	Info() mirror.StreamInfo
	Mode() mirror.Mode
	Stats() mirror.Stats
	LatestSnapshot() *frame.Frame
}

// SessionDirectory lists the sessions known to the registry, including those
// of other hosts sharing it.
type SessionDirectory interface {
	Get(ctx context.Context, sessionID string) (*registry.Record, error)
	List(ctx context.Context) ([]*registry.Record, error)
}

// Server is the local status and snapshot HTTP server.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	logger       *logrus.Logger
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler
	limiter      *rate.Limiter

	// current returns the running session, or nil between sessions.
	current func() SessionSource

	directory SessionDirectory
}

// New creates a server serving the session returned by current.
func New(cfg *config.ServerConfig, log *logrus.Logger, current func() SessionSource) *Server {
	s := &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		logger:       log,
		healthMgr:    health.NewManager(logger.NewLogrusAdapter(logger.ForService(log))),
		errorHandler: apperrors.NewErrorHandler(log),
		limiter:      rate.NewLimiter(rate.Limit(cfg.SnapshotRate), cfg.SnapshotBurst),
		current:      current,
	}
	s.setupRoutes()
	return s
}

// RegisterChecker adds a health checker reported by /health and /ready.
func (s *Server) RegisterChecker(c health.Checker) {
	s.healthMgr.Register(c)
}

// SetDirectory enables the /api/v1/sessions routes. It must be called before
// the server starts.
func (s *Server) SetDirectory(d SessionDirectory) {
	s.directory = d
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.ListenAddr, strconv.Itoa(s.config.Port))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go s.healthMgr.StartPeriodicChecks(ctx, 30*time.Second)

	s.logger.WithField("addr", ln.Addr().String()).Info("Starting status server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Shutting down status server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("Status server shutdown complete")
	return nil
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(logger.NewLogrusAdapter(logger.ForService(s.logger))))
	s.router.Use(s.errorHandler.Recover)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(s.corsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods(http.MethodGet)

	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet, http.MethodOptions)
	api.Handle("/frame.jpg", s.rateLimitMiddleware(http.HandlerFunc(s.handleSnapshot))).Methods(http.MethodGet, http.MethodOptions)

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)
}

// GetRouter returns the router for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}
