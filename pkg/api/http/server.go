package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/megaservice/internal/application/health"
	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const serviceName = "megaservice"

// HealthReporter reports backend node health
type HealthReporter interface {
	GetStatus() *health.Status
}

// Server represents the HTTP API server
type Server struct {
	router  *gin.Engine
	server  *http.Server
	service *orchestrator.Service
	store   ports.ExecutionStore
	health  HealthReporter
	limiter *clientLimiter
	logger  *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port    int
	Service *orchestrator.Service

	// Store and Health are optional
	Store  ports.ExecutionStore
	Health HealthReporter

	// Gatherer serves /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer

	// RateLimitRPS limits orchestration requests per client IP; 0 disables
	RateLimitRPS   float64
	RateLimitBurst int

	Logger *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(requestID())
	router.Use(requestLogger(logger))

	s := &Server{
		router:  router,
		service: cfg.Service,
		store:   cfg.Store,
		health:  cfg.Health,
		limiter: newClientLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute),
		logger:  logger,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.setupRoutes(gatherer)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// Orchestration
	orchestrate := s.router.Group("/v1", rateLimit(s.limiter))
	{
		orchestrate.POST("/example-service", s.handleChatCompletion)
		orchestrate.POST("/chat/completions", s.handleChatCompletion)
	}

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/graph", s.handleGetGraph)
		v1.GET("/executions", s.handleListExecutions)
		v1.GET("/executions/:id", s.handleGetExecution)
	}
}

// SetupWebSocket adds the event stream handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleEventStream(*gin.Context)
}) {
	s.router.GET("/api/v1/events/ws", handler.HandleEventStream)
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
