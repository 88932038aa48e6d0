// Package config provides centralized configuration management. Values
// resolve in three layers: built-in defaults, an optional YAML config
// file, then RPCLENS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// RPCLENS_SERVER_PORT overrides server.port.
const EnvPrefix = "RPCLENS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("pool.max_sockets", 8)
	v.SetDefault("pool.request_timeout", 10*time.Second)
	v.SetDefault("pool.idle_conn_timeout", 60*time.Second)
	v.SetDefault("pool.leak_timeout", 2*time.Minute)
	v.SetDefault("pool.warmup_method", "getHealth")
	v.SetDefault("pool.cleanup_interval", 30*time.Second)

	v.SetDefault("breaker.failure_threshold", 5.0)
	v.SetDefault("breaker.base_cooldown", 5*time.Second)
	v.SetDefault("breaker.backoff_multiplier", 2.0)
	v.SetDefault("breaker.max_cooldown", 2*time.Minute)
	v.SetDefault("breaker.required_successes", 3)
	v.SetDefault("breaker.half_open_max_probes", 1)

	v.SetDefault("cache.max_size", 1024)
	v.SetDefault("cache.ttl", 2*time.Second)
	v.SetDefault("cache.methods", []string{})

	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.window", 50*time.Millisecond)
	v.SetDefault("batch.methods", []string{})

	v.SetDefault("hedge.delay", 50*time.Millisecond)
	v.SetDefault("hedge.max_backups", 1)
	v.SetDefault("hedge.methods", []string{})

	v.SetDefault("queue.max_size", 256)
	v.SetDefault("queue.request_deadline", 2*time.Second)

	v.SetDefault("failover.budget", 10*time.Second)
	v.SetDefault("failover.max_attempts", 3)
	v.SetDefault("failover.load_threshold", 0.8)

	v.SetDefault("logging.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
}

// Load reads configuration from defaults, the optional config file and
// environment variables. An empty path searches the default locations
// and tolerates a missing file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		if dir := gfconfig.GetAppConfigDir("rpclens"); dir != "" {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	decode := func(result any) error {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           result,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		})
		if err != nil {
			return err
		}
		return decoder.Decode(v.AllSettings())
	}
	if err := decode(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working pool.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("config: at least one endpoint is required")
	}
	for i, ep := range c.Endpoints {
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("config: endpoints[%d]: url is required", i)
		}
		if ep.Weight < 0 {
			return fmt.Errorf("config: endpoints[%d]: weight must not be negative", i)
		}
	}
	if c.Failover.LoadThreshold < 0 || c.Failover.LoadThreshold > 1 {
		return fmt.Errorf("config: failover.load_threshold must be in [0, 1], got %v", c.Failover.LoadThreshold)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	return nil
}
