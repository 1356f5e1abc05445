package main

import (
	"context"
	"fmt"
	"net"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aescanero/megaservice/internal/application/health"
	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/aescanero/megaservice/internal/config"
	eventsmemory "github.com/aescanero/megaservice/pkg/adapters/events/memory"
	eventsredis "github.com/aescanero/megaservice/pkg/adapters/events/redis"
	"github.com/aescanero/megaservice/pkg/adapters/metrics/prometheus"
	storagememory "github.com/aescanero/megaservice/pkg/adapters/storage/memory"
	storageredis "github.com/aescanero/megaservice/pkg/adapters/storage/redis"
	"github.com/aescanero/megaservice/pkg/adapters/tracing"
	"github.com/aescanero/megaservice/pkg/api/grpc"
	"github.com/aescanero/megaservice/pkg/api/http"
	"github.com/aescanero/megaservice/pkg/api/websocket"
	"github.com/aescanero/megaservice/pkg/ports"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting megaservice",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "megaservice",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	// Redis is only needed by redis-backed adapters
	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize adapters
	var eventBus ports.EventBus
	if cfg.Backends.Events == config.BackendRedis {
		eventBus = eventsredis.NewStreamsEventBus(redisClient, cfg.Backends.EventStreamMaxLen, logger)
	} else {
		eventBus = eventsmemory.NewEventBus()
	}

	var store ports.ExecutionStore
	if cfg.Backends.Storage == config.BackendRedis {
		store = storageredis.NewExecutionStore(redisClient, cfg.Backends.ExecutionTTL, logger)
	} else {
		store = storagememory.NewExecutionStore(cfg.Backends.ExecutionCapacity)
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsCollector := prometheus.NewCollector(registry)

	// Initialize application components
	g, err := orchestrator.BuildGraph(cfg.Topology)
	if err != nil {
		logger.Fatal("failed to build orchestration graph", zap.Error(err))
	}

	dispatcher := orchestrator.NewDispatcher(orchestrator.DispatcherConfig{
		Client: &nethttp.Client{
			Transport: &nethttp.Transport{
				Proxy:               nethttp.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		NodeTimeout:    cfg.Timeouts.NodeExecutionTimeout,
		MaxConcurrency: cfg.Limits.MaxConcurrentNodes,
		MaxBodyBytes:   cfg.Limits.MaxResponseBytes,
		Metrics:        metricsCollector,
		Logger:         logger,
	})

	service, err := orchestrator.NewService(orchestrator.Config{
		Graph:          g,
		ResponseNode:   cfg.Topology.ResponseNode,
		Dispatcher:     dispatcher,
		Assembler:      orchestrator.NewAssembler(metricsCollector),
		Validator:      orchestrator.NewValidator(),
		EventBus:       eventBus,
		Store:          store,
		Metrics:        metricsCollector,
		Logger:         logger,
		RequestTimeout: cfg.Timeouts.RequestTimeout,
	})
	if err != nil {
		logger.Fatal("failed to create orchestration service", zap.Error(err))
	}

	monitor := health.NewMonitor(service.Nodes(), health.Config{
		Interval: cfg.Health.CheckInterval,
		Timeout:  cfg.Health.CheckTimeout,
		Metrics:  metricsCollector,
		Logger:   logger,
	})
	monitor.Start()

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:           cfg.HTTPPort,
		Service:        service,
		Store:          store,
		Health:         monitor,
		Gatherer:       registry,
		RateLimitRPS:   cfg.Limits.RateLimitRPS,
		RateLimitBurst: cfg.Limits.RateLimitBurst,
		Logger:         logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:   cfg.GRPCPort,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}
	grpcServer.SetServing(true)

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("megaservice started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("nodes", g.Len()),
		zap.String("terminal_node", service.TerminalNode()))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestration service shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	monitor.Stop()

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("megaservice shut down complete")
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
