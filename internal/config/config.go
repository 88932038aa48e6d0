package config

import "time"

// Config is the complete application configuration. Values resolve in
// three layers: built-in defaults, an optional config file, then
// RPCLENS_* environment variables.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Endpoints []EndpointConfig `mapstructure:"endpoints"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Batch     BatchConfig      `mapstructure:"batch"`
	Hedge     HedgeConfig      `mapstructure:"hedge"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Failover  FailoverConfig   `mapstructure:"failover"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EndpointConfig describes one upstream JSON-RPC endpoint.
type EndpointConfig struct {
	URL           string  `mapstructure:"url"`
	Weight        int     `mapstructure:"weight"`
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	RateRefill    float64 `mapstructure:"rate_refill"`
	RateCapacity  int     `mapstructure:"rate_capacity"`
	// DefaultBackoff applies when a rate-limit response carries no
	// Retry-After header.
	DefaultBackoff time.Duration `mapstructure:"default_backoff"`
}

// PoolConfig contains connection pool tuning.
type PoolConfig struct {
	MaxSockets      int           `mapstructure:"max_sockets"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	LeakTimeout     time.Duration `mapstructure:"leak_timeout"`
	WarmupMethod    string        `mapstructure:"warmup_method"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BreakerConfig contains circuit breaker tuning shared by all endpoints.
type BreakerConfig struct {
	FailureThreshold  float64       `mapstructure:"failure_threshold"`
	BaseCooldown      time.Duration `mapstructure:"base_cooldown"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
	RequiredSuccesses int           `mapstructure:"required_successes"`
	HalfOpenMaxProbes int           `mapstructure:"half_open_max_probes"`
}

// CacheConfig contains result cache tuning.
type CacheConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
	Methods []string      `mapstructure:"methods"`
}

// BatchConfig contains request batching tuning.
type BatchConfig struct {
	Size    int           `mapstructure:"size"`
	Window  time.Duration `mapstructure:"window"`
	Methods []string      `mapstructure:"methods"`
}

// HedgeConfig contains hedged request tuning.
type HedgeConfig struct {
	Delay      time.Duration `mapstructure:"delay"`
	MaxBackups int           `mapstructure:"max_backups"`
	Methods    []string      `mapstructure:"methods"`
}

// QueueConfig contains backpressure queue tuning.
type QueueConfig struct {
	MaxSize         int           `mapstructure:"max_size"`
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

// FailoverConfig bounds retries across endpoints.
type FailoverConfig struct {
	Budget        time.Duration `mapstructure:"budget"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	LoadThreshold float64       `mapstructure:"load_threshold"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level controls the minimum log level.
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
}

// MetricsConfig contains Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}
