package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agent"
	"github.com/BaSui01/stepflow/api/handlers"
	"github.com/BaSui01/stepflow/config"
	"github.com/BaSui01/stepflow/internal/database"
	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/internal/server"
	"github.com/BaSui01/stepflow/internal/telemetry"
	"github.com/BaSui01/stepflow/orchestrator"
	"github.com/BaSui01/stepflow/store"
)

// Paths exempt from authentication and useful without a token.
var openPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// Simulated work per built-in agent invocation.
const builtinAgentLatency = 100 * time.Millisecond

// Server wires the engine together: store, agents, orchestrator, HTTP API.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	providers *telemetry.Providers
	store     store.Store
	dbPool    *database.PoolManager
	agents    *agent.Registry
	manager   *orchestrator.Manager
	collector *metrics.Collector

	httpManager       *server.Manager
	rateLimiterCancel context.CancelFunc
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger, providers *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, providers: providers}
}

// Start builds every component and begins serving.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("stepflow", nil, s.logger)

	st, err := s.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st

	s.agents = agent.NewRegistry(s.logger)
	agent.RegisterBuiltins(s.agents, builtinAgentLatency)

	s.manager = orchestrator.New(s.store, s.agents, s.cfg.Scheduler, s.logger,
		orchestrator.WithNotifier(metrics.NewEventObserver(s.collector)),
	)

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	s.logger.Info("all components started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("store_backend", s.cfg.Store.Backend),
		zap.Strings("agents", s.agents.Names()),
	)
	return nil
}

// openStore builds the configured store backend.
func (s *Server) openStore() (store.Store, error) {
	switch s.cfg.Store.Backend {
	case "memory", "":
		return store.NewMemoryStore(s.logger), nil
	case "redis":
		return store.NewRedisStore(s.cfg.Store.Redis, s.logger)
	case "sql":
		db, err := database.Open(s.cfg.Store.SQL)
		if err != nil {
			return nil, err
		}
		poolCfg := database.DefaultPoolConfig()
		if s.cfg.Store.SQL.MaxOpenConns > 0 {
			poolCfg.MaxOpenConns = s.cfg.Store.SQL.MaxOpenConns
		}
		if s.cfg.Store.SQL.MaxIdleConns > 0 {
			poolCfg.MaxIdleConns = s.cfg.Store.SQL.MaxIdleConns
		}
		if s.cfg.Store.SQL.ConnMaxLifetime > 0 {
			poolCfg.ConnMaxLifetime = s.cfg.Store.SQL.ConnMaxLifetime
		}
		pool, err := database.NewPoolManager(db, poolCfg, s.logger)
		if err != nil {
			return nil, err
		}
		s.dbPool = pool
		return store.NewSQLStore(pool.DB(), s.logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", s.cfg.Store.Backend)
	}
}

func (s *Server) startHTTPServer() error {
	workflowHandler := handlers.NewWorkflowHandler(s.manager, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.manager.Events(), s.cfg.Server.CORSOrigins, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(handlers.HealthCheckFunc{CheckName: "store", Fn: s.store.Ping})
	if s.dbPool != nil {
		healthHandler.RegisterCheck(handlers.HealthCheckFunc{CheckName: "database", Fn: s.dbPool.Ping})
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/workflows", workflowHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows", workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", workflowHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", workflowHandler.HandleExecute)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", workflowHandler.HandleCancel)
	mux.HandleFunc("GET /api/v1/stats", workflowHandler.HandleStats)
	mux.HandleFunc("GET /api/v1/events", eventsHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/workflows/{id}/events", eventsHandler.HandleStream)

	rateLimiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger),
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, openPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, server.FromServerConfig(s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks until a signal or serve error, then tears down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops components in reverse dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("database pool close error", zap.Error(err))
		}
	}
	if s.providers != nil {
		if err := s.providers.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
