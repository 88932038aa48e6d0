package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpclens/rpclens/internal/config"
	"github.com/rpclens/rpclens/internal/core/engine"
	errwrap "github.com/rpclens/rpclens/internal/errors"
	"github.com/rpclens/rpclens/internal/metrics"
	"github.com/rpclens/rpclens/internal/observability"
	"github.com/rpclens/rpclens/internal/server"
	"github.com/rpclens/rpclens/internal/server/handlers"
)

var (
	serveHost string
	servePort int
)

// poolHealthChecker reports unhealthy when no endpoint can take traffic.
type poolHealthChecker struct {
	orch *engine.Orchestrator
}

func (p poolHealthChecker) CheckHealth(ctx context.Context) error {
	stats := p.orch.Stats()
	for _, ep := range stats.Endpoints {
		if ep.BreakerState != "open" && !ep.InBackoff {
			return nil
		}
	}
	return errwrap.NewServiceUnavailableError("all endpoints are open or backing off")
}

// configHealthChecker validates the loaded endpoint set.
type configHealthChecker struct {
	endpoints int
}

func (c configHealthChecker) CheckHealth(ctx context.Context) error {
	if c.endpoints == 0 {
		return errwrap.NewInternalError("no endpoints configured")
	}
	return nil
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP proxy server",
	Long: `Start the HTTP server exposing the JSON-RPC pool.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload is not supported; restart instead

The server drains in-flight calls and flushes logs on shutdown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = serveHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}

		observability.InitServerLogger("rpclens", cfg.Logging.Level)

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics("rpclens", cfg.Metrics.Port); err != nil {
				observability.ServerLogger.Error("Failed to initialize metrics",
					zap.Error(err))
				return fmt.Errorf("metrics initialization failed: %w", err)
			}
		}

		observability.ServerLogger.Info("Initializing server",
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("endpoints", len(cfg.Endpoints)),
			zap.Int("metrics_port", cfg.Metrics.Port))

		orch, err := engine.New(engineConfig(cfg), observability.NewEngineLogger(cfg.Logging.Level))
		if err != nil {
			return fmt.Errorf("build rpc engine: %w", err)
		}

		warmupCtx, cancelWarmup := context.WithTimeout(cmd.Context(), 5*time.Second)
		orch.Warmup(warmupCtx)
		cancelWarmup()

		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("pool", poolHealthChecker{orch: orch})
		health.RegisterChecker("config", configHealthChecker{endpoints: len(cfg.Endpoints)})
		if cfg.Metrics.Enabled {
			health.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(cfg.Server, orch, health)

		metrics.SetServerStartTime(time.Now().Unix())
		startedAt := time.Now()

		// Publish pool gauges on a fixed cadence. Counters are emitted at
		// call sites; gauges have to be sampled.
		gaugeDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gaugeDone:
					return
				case <-ticker.C:
					stats := orch.Stats()
					pm := orch.PoolMetrics()
					metrics.SetQueueDepth(orch.QueueDepth())
					metrics.SetInFlight(stats.Global.InFlight)
					metrics.SetConnectionCounters(pm.ConnectionsCreated, pm.ConnectionsReused, pm.SocketLeaks)
					metrics.SetServerUptime(int64(time.Since(startedAt).Seconds()))
				}
			}
		}()

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Register graceful shutdown handlers (LIFO order - last registered, first executed)
		// Handler 1: Flush logger (executed last)
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Flushing logger...")
			if err := observability.ServerLogger.Sync(); err != nil {
				// Sync errors are often benign (stdout/stderr already closed)
				observability.ServerLogger.Warn("Logger sync returned error (may be benign)",
					zap.Error(err))
			}
			return nil
		})

		// Handler 2: Shutdown HTTP server and drain the pool (executed first)
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Shutting down HTTP server...")
			close(gaugeDone)

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			orch.Close()

			observability.ServerLogger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			observability.ServerLogger.Info("Received SIGHUP: config reload is not supported, restart to apply changes")
			return nil
		})

		// Enable double-tap force quit (Ctrl+C within 2 seconds)
		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			observability.ServerLogger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		// Start server in background goroutine
		errChan := make(chan error, 1)
		go func() {
			observability.ServerLogger.Info("Starting HTTP server...",
				zap.String("host", cfg.Server.Host),
				zap.Int("port", cfg.Server.Port))
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		// Start signal listener in background
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				observability.ServerLogger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		// Wait for error or shutdown completion
		if err := <-errChan; err != nil {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "0.0.0.0", "server host")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "server port")
}
