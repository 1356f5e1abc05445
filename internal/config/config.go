package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/caarlos0/env/v10"
)

// Backend names for events and execution storage
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the megaservice
type Config struct {
	// Server configuration
	HTTPPort int    `env:"MEGASERVICE_HTTP_PORT" envDefault:"8000"`
	GRPCPort int    `env:"MEGASERVICE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis configuration
	Redis RedisConfig

	// Backends selects the event bus and execution store implementations
	Backends BackendConfig

	// Pipeline declares the execution graph
	Pipeline PipelineConfig

	// Limits on concurrency, body sizes and inbound rate
	Limits LimitsConfig

	// Health probing of backend nodes
	Health HealthConfig

	// Tracing configuration
	Tracing TracingConfig

	// Timeouts
	Timeouts TimeoutConfig

	// Topology is resolved from Pipeline by Load
	Topology orchestrator.Topology `env:"-"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// BackendConfig selects adapter implementations
type BackendConfig struct {
	Events  string `env:"EVENTS_BACKEND" envDefault:"memory"`
	Storage string `env:"STORAGE_BACKEND" envDefault:"memory"`

	// Execution traces
	ExecutionTTL      time.Duration `env:"EXECUTION_TTL" envDefault:"24h"`
	ExecutionCapacity int           `env:"EXECUTION_CAPACITY" envDefault:"1000"`
	EventStreamMaxLen int64         `env:"EVENT_STREAM_MAX_LEN" envDefault:"10000"`
}

// PipelineConfig declares the execution graph
type PipelineConfig struct {
	Nodes        []string `env:"PIPELINE_NODES" envDefault:"llm" envSeparator:","`
	Edges        []string `env:"PIPELINE_EDGES" envSeparator:","`
	ResponseNode string   `env:"PIPELINE_RESPONSE_NODE" envDefault:"llm"`

	// File is a YAML topology that takes precedence over the variables above
	File string `env:"PIPELINE_FILE"`
}

// LimitsConfig holds concurrency and size limits
type LimitsConfig struct {
	MaxConcurrentNodes int     `env:"MAX_CONCURRENT_NODES" envDefault:"8"`
	MaxResponseBytes   int64   `env:"MAX_RESPONSE_BYTES" envDefault:"16777216"`
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
}

// HealthConfig holds backend probing configuration
type HealthConfig struct {
	CheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	CheckTimeout  time.Duration `env:"HEALTH_CHECK_TIMEOUT" envDefault:"2s"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Exporter     string  `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_RATIO" envDefault:"1"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	NodeExecutionTimeout time.Duration `env:"TIMEOUT_NODE_EXECUTION" envDefault:"120s"`
	RequestTimeout       time.Duration `env:"TIMEOUT_REQUEST" envDefault:"300s"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return LoadFrom(environ())
}

// LoadFrom reads configuration from the given variables instead of the
// process environment
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	var err error
	if cfg.Pipeline.File != "" {
		cfg.Topology, err = loadTopologyFile(cfg.Pipeline.File)
	} else {
		cfg.Topology, err = topologyFromEnv(cfg.Pipeline, vars)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate backends
	for name, backend := range map[string]string{"events": c.Backends.Events, "storage": c.Backends.Storage} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("invalid %s backend: %s (must be memory or redis)", name, backend)
		}
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate limits and timeouts
	if c.Limits.MaxConcurrentNodes < 1 {
		return fmt.Errorf("max concurrent nodes must be at least 1")
	}
	if c.Limits.MaxResponseBytes < 1 {
		return fmt.Errorf("max response bytes must be positive")
	}
	if c.Limits.RateLimitRPS < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.Timeouts.NodeExecutionTimeout <= 0 || c.Timeouts.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}

	if len(c.Topology.Nodes) == 0 {
		return fmt.Errorf("pipeline has no nodes")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Backends.Events == BackendRedis || c.Backends.Storage == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

func environ() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars
}
