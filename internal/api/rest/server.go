package rest

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agent-iam/go-core/internal/metrics"
	"github.com/agent-iam/go-core/internal/ratelimit"
	"github.com/agent-iam/go-core/internal/service"
)

// Config tunes the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableCORS   bool
	CORSOrigins  []string
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
		CORSOrigins:  []string{"*"},
	}
}

// Server is the JSON API server.
type Server struct {
	svc        *service.Service
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	db         *sql.DB
	redis      *redis.Client
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
	config     Config
}

// New wires routes and middleware. db and redis back the readiness probe
// and may be nil in tests.
func New(cfg Config, svc *service.Service, limiter *ratelimit.Limiter, m *metrics.Metrics, db *sql.DB, redisClient *redis.Client, logger *zap.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		svc:     svc,
		limiter: limiter,
		metrics: m,
		db:      db,
		redis:   redisClient,
		router:  mux.NewRouter(),
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	if s.config.EnableCORS {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(s.metricsMiddleware)

	// Probes and the exposition endpoint bypass auth and rate limiting.
	s.router.HandleFunc("/health/live", s.livenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.readinessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/startup", s.startupHandler).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimitMiddleware)

	// Credential endpoints authenticate by their payload, not a bearer.
	v1.HandleFunc("/auth/login", s.loginHandler).Methods(http.MethodPost)
	v1.HandleFunc("/auth/refresh", s.refreshHandler).Methods(http.MethodPost)

	authed := v1.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/auth/logout", s.logoutHandler).Methods(http.MethodPost)
	authed.HandleFunc("/identities", s.createIdentityHandler).Methods(http.MethodPost)
	authed.HandleFunc("/identities", s.listIdentitiesHandler).Methods(http.MethodGet)
	authed.HandleFunc("/identities/{id}", s.getIdentityHandler).Methods(http.MethodGet)
	authed.HandleFunc("/identities/{id}/delegation-chain", s.delegationChainHandler).Methods(http.MethodGet)
	authed.HandleFunc("/identities/{id}/agents", s.provisionAgentHandler).Methods(http.MethodPost)
	authed.HandleFunc("/authz/check", s.checkHandler).Methods(http.MethodPost)
	authed.HandleFunc("/authz/bulk-check", s.bulkCheckHandler).Methods(http.MethodPost)
	authed.HandleFunc("/policies", s.listPoliciesHandler).Methods(http.MethodGet)
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server",
		zap.Int("port", s.config.Port),
		zap.Bool("cors_enabled", s.config.EnableCORS),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP exposes the router for httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
