package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
endpoints:
  - url: https://rpc-a.example.com
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 8, cfg.Pool.MaxSockets)
	require.Equal(t, 10*time.Second, cfg.Pool.RequestTimeout)
	require.Equal(t, 5.0, cfg.Breaker.FailureThreshold)
	require.Equal(t, 2*time.Minute, cfg.Breaker.MaxCooldown)
	require.Equal(t, 50*time.Millisecond, cfg.Batch.Window)
	require.Equal(t, 256, cfg.Queue.MaxSize)
	require.Equal(t, 10*time.Second, cfg.Failover.Budget)
	require.Equal(t, 0.8, cfg.Failover.LoadThreshold)
	require.Equal(t, "info", cfg.Logging.Level)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9000
endpoints:
  - url: https://rpc-a.example.com
    weight: 3
    max_concurrent: 32
    rate_refill: 40
    rate_capacity: 80
  - url: https://rpc-b.example.com
cache:
  ttl: 5s
  methods:
    - getSlot
    - getBlockHeight
failover:
  budget: 30s
  max_attempts: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Server.Port)
	require.Len(t, cfg.Endpoints, 2)
	require.Equal(t, "https://rpc-a.example.com", cfg.Endpoints[0].URL)
	require.Equal(t, 3, cfg.Endpoints[0].Weight)
	require.Equal(t, 32, cfg.Endpoints[0].MaxConcurrent)
	require.Equal(t, 40.0, cfg.Endpoints[0].RateRefill)
	require.Equal(t, 5*time.Second, cfg.Cache.TTL)
	require.Equal(t, []string{"getSlot", "getBlockHeight"}, cfg.Cache.Methods)
	require.Equal(t, 30*time.Second, cfg.Failover.Budget)
	require.Equal(t, 5, cfg.Failover.MaxAttempts)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RPCLENS_SERVER_PORT", "7070")
	t.Setenv("RPCLENS_LOGGING_LEVEL", "debug")

	cfg, err := Load(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsNoEndpoints(t *testing.T) {
	cfg := &Config{}
	require.ErrorContains(t, cfg.Validate(), "at least one endpoint")
}

func TestValidateRejectsEmptyURL(t *testing.T) {
	cfg := &Config{Endpoints: []EndpointConfig{{URL: "  "}}}
	require.ErrorContains(t, cfg.Validate(), "url is required")
}

func TestValidateRejectsBadLoadThreshold(t *testing.T) {
	cfg := &Config{
		Endpoints: []EndpointConfig{{URL: "https://rpc.example.com"}},
		Failover:  FailoverConfig{LoadThreshold: 1.5},
	}
	require.ErrorContains(t, cfg.Validate(), "load_threshold")
}
