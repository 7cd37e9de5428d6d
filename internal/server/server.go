package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-governance/internal/config"
	"github.com/kubilitics/kubilitics-governance/internal/governance"
	"github.com/kubilitics/kubilitics-governance/internal/middleware"
)

// Config holds the HTTP settings of the server
type Config struct {
	Host               string
	Port               int
	TLSEnabled         bool
	TLSCertPath        string
	TLSKeyPath         string
	AllowedOrigins     []string
	IdentityHeader     string
	RateLimitPerMinute int
}

// ConfigFrom extracts the server settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Port:               cfg.Server.Port,
		TLSEnabled:         cfg.Server.TLSEnabled,
		TLSCertPath:        cfg.Server.TLSCertPath,
		TLSKeyPath:         cfg.Server.TLSKeyPath,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		IdentityHeader:     cfg.Server.IdentityHeader,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
	}
}

// Server exposes the governance service over HTTP and streams audit entries over WebSocket.
type Server struct {
	config  Config
	svc     *governance.Service
	hub     *AuditHub
	limiter *middleware.RateLimiter
	logger  *zap.Logger
	handler http.Handler

	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server over svc.
func NewServer(cfg Config, svc *governance.Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("governance service cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		svc:    svc,
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewAuditHub(cfg.AllowedOrigins, s.logger)
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Hub returns the audit stream hub. Subscribe its Publish method to the audit store.
func (s *Server) Hub() *AuditHub { return s.hub }

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	s.registerRoutes(api)

	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.Identity(s.config.IdentityHeader))
	router.Use(middleware.MaxBodySize(middleware.DefaultMaxBodyBytes))

	var h http.Handler = router
	if s.limiter != nil {
		h = s.limiter.Handler(h)
	}

	headers := []string{"Content-Type", "Authorization", middleware.RequestIDHeader}
	if s.config.IdentityHeader != "" {
		headers = append(headers, s.config.IdentityHeader)
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   headers,
		AllowCredentials: true,
	})
	return c.Handler(h)
}

// Start starts listening in the background
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Starting HTTP server",
			zap.String("addr", s.httpServer.Addr),
			zap.Bool("tls", s.config.TLSEnabled))
		var err error
		if s.config.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertPath, s.config.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			s.cancel()
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping HTTP server")
	s.hub.Close()

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP server forced to shut down", zap.Error(err))
		}
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.cancel()
	s.wg.Wait()
	return err
}

// Done is closed when the server stops or fails.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// handleHealth handles GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"lockdown":  s.svc.Manager().Locked(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
