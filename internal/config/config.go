package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatch modes for inbound envelopes
const (
	DispatchSync  = "sync"
	DispatchAsync = "async"
)

// Cache store backends
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config represents gateway configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// gRPC acceptor configuration
	GRPC GRPCConfig `yaml:"grpc"`

	// Worker pool used for async dispatch
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`

	// Connection tracker configuration
	Tracker TrackerConfig `yaml:"tracker"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Cache protocol configuration
	Cache CacheConfig `yaml:"cache"`

	// Redis configuration, used when cache.store is "redis"
	Redis RedisConfig `yaml:"redis"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Graceful shutdown timeout
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	// Health check port serving /health and /ready
	HealthCheckPort int `yaml:"health_check_port"`

	// Metrics port serving /metrics
	MetricsPort int `yaml:"metrics_port"`

	// Dispatch is "sync" (inline on the receive goroutine) or "async" (worker pool)
	Dispatch string `yaml:"dispatch"`

	// Maximum concurrent requests per channel (0 = unbounded)
	MaxInflightRequests int64 `yaml:"max_inflight_requests"`

	// Member identity reported in init responses
	MemberID int32 `yaml:"member_id"`
}

// GRPCConfig represents the gRPC listener configuration
type GRPCConfig struct {
	// Listen address
	ListenAddr string `yaml:"listen_addr"`

	// Maximum inbound message size in bytes
	MaxRecvMsgSize int `yaml:"max_recv_msg_size"`

	// Server keepalive
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`

	// Enable the reflection service
	Reflection bool `yaml:"reflection"`
}

// WorkerPoolConfig represents worker pool configuration
type WorkerPoolConfig struct {
	MinWorkers  int           `yaml:"min_workers"`
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Tasks running longer than HungThreshold are counted as hung
	HungThreshold time.Duration `yaml:"hung_threshold"`

	// Workers running a task longer than TaskTimeout are abandoned
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// TrackerConfig represents connection tracker configuration
type TrackerConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	// Number of samples kept by each percentile histogram
	SampleSize int `yaml:"sample_size"`

	// Minimum interval between snapshot recomputations
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// CacheConfig represents cache protocol configuration
type CacheConfig struct {
	// Store is "memory" or "redis"
	Store string `yaml:"store"`

	// Register the MapEvents extension
	Events bool `yaml:"events"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Key prefix for Redis keys
	KeyPrefix string `yaml:"key_prefix"`

	// Connection pool configuration
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Retry configuration
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Circuit breaker configuration
	BreakerFailures int64         `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	// Maximum concurrent streams (0 = unlimited)
	MaxStreams int64 `yaml:"max_streams"`

	// Maximum streams per IP address
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// Stream rate limit (streams per second per IP)
	ConnectionRateLimit int `yaml:"connection_rate_limit"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	// OTLP gRPC endpoint; empty disables export unless OTEL_ENDPOINT is set
	Endpoint string `yaml:"endpoint"`

	// Fraction of root spans sampled
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set default values
	setDefaults(&cfg)

	// Validate configuration
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// ValidateConfig validates the configuration (exported for hot reload)
func ValidateConfig(cfg *Config) error {
	return validateConfig(cfg)
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	// Validate server configuration
	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		return fmt.Errorf("server.health_check_port must be between 1 and 65535")
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("server.metrics_port must be between 1 and 65535")
	}
	if cfg.Server.Dispatch != DispatchSync && cfg.Server.Dispatch != DispatchAsync {
		return fmt.Errorf("server.dispatch must be %q or %q", DispatchSync, DispatchAsync)
	}
	if cfg.Server.MaxInflightRequests < 0 {
		return fmt.Errorf("server.max_inflight_requests must not be negative")
	}

	// Validate gRPC configuration
	if cfg.GRPC.ListenAddr == "" {
		return fmt.Errorf("grpc.listen_addr is required")
	}

	// Validate worker pool configuration
	if cfg.WorkerPool.MinWorkers < 0 {
		return fmt.Errorf("worker_pool.min_workers must not be negative")
	}
	if cfg.WorkerPool.MaxWorkers < 1 || cfg.WorkerPool.MaxWorkers < cfg.WorkerPool.MinWorkers {
		return fmt.Errorf("worker_pool.max_workers must be at least 1 and at least min_workers")
	}

	// Validate tracker configuration
	if cfg.Tracker.TTL <= 0 {
		return fmt.Errorf("tracker.ttl must be greater than 0")
	}

	// Validate cache configuration
	switch cfg.Cache.Store {
	case StoreMemory:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required")
		}
		if cfg.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be greater than 0")
		}
	default:
		return fmt.Errorf("cache.store must be %q or %q", StoreMemory, StoreRedis)
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	// Validate graceful shutdown timeout
	if cfg.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be greater than 0")
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults(cfg *Config) {
	if cfg.Server.HealthCheckPort == 0 {
		cfg.Server.HealthCheckPort = 9090
	}

	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9091
	}

	if cfg.Server.Dispatch == "" {
		cfg.Server.Dispatch = DispatchAsync
	}

	if cfg.GRPC.ListenAddr == "" {
		cfg.GRPC.ListenAddr = ":1408"
	}

	if cfg.GRPC.MaxRecvMsgSize == 0 {
		cfg.GRPC.MaxRecvMsgSize = 4 * 1024 * 1024
	}

	if cfg.GRPC.KeepaliveTime == 0 {
		cfg.GRPC.KeepaliveTime = 30 * time.Second
	}

	if cfg.GRPC.KeepaliveTimeout == 0 {
		cfg.GRPC.KeepaliveTimeout = 10 * time.Second
	}

	if cfg.WorkerPool.MaxWorkers == 0 {
		cfg.WorkerPool.MaxWorkers = 64
	}

	if cfg.WorkerPool.QueueSize == 0 {
		cfg.WorkerPool.QueueSize = 1024
	}

	if cfg.WorkerPool.IdleTimeout == 0 {
		cfg.WorkerPool.IdleTimeout = 30 * time.Second
	}

	if cfg.WorkerPool.HungThreshold == 0 {
		cfg.WorkerPool.HungThreshold = 10 * time.Second
	}

	if cfg.WorkerPool.TaskTimeout == 0 {
		cfg.WorkerPool.TaskTimeout = time.Minute
	}

	if cfg.Tracker.TTL == 0 {
		cfg.Tracker.TTL = 5 * time.Minute
	}

	if cfg.Tracker.SweepInterval == 0 {
		cfg.Tracker.SweepInterval = 10 * time.Second
	}

	if cfg.Metrics.SampleSize == 0 {
		cfg.Metrics.SampleSize = 1028
	}

	if cfg.Metrics.SnapshotInterval == 0 {
		cfg.Metrics.SnapshotInterval = 250 * time.Millisecond
	}

	if cfg.Cache.Store == "" {
		cfg.Cache.Store = StoreMemory
	}

	// Redis address from config file (no environment variable override)
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "grid-gateway:"
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Redis.MinIdleConns == 0 {
		cfg.Redis.MinIdleConns = 5
	}

	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}

	if cfg.Redis.ReadTimeout == 0 {
		cfg.Redis.ReadTimeout = 3 * time.Second
	}

	if cfg.Redis.WriteTimeout == 0 {
		cfg.Redis.WriteTimeout = 3 * time.Second
	}

	if cfg.Redis.MaxRetries == 0 {
		cfg.Redis.MaxRetries = 3
	}

	if cfg.Redis.RetryDelay == 0 {
		cfg.Redis.RetryDelay = 100 * time.Millisecond
	}

	if cfg.Redis.BreakerFailures == 0 {
		cfg.Redis.BreakerFailures = 5
	}

	if cfg.Redis.BreakerTimeout == 0 {
		cfg.Redis.BreakerTimeout = 10 * time.Second
	}

	if cfg.GracefulShutdownTimeout == 0 {
		cfg.GracefulShutdownTimeout = 30 * time.Second
	}

	// Security defaults
	if cfg.Security.MaxConnectionsPerIP == 0 {
		cfg.Security.MaxConnectionsPerIP = 100 // streams per IP
	}
	if cfg.Security.ConnectionRateLimit == 0 {
		cfg.Security.ConnectionRateLimit = 50 // streams per second per IP
	}

	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1
	}
}
