package cmd

import (
	"github.com/rpclens/rpclens/internal/config"
	"github.com/rpclens/rpclens/internal/core/endpoint"
	"github.com/rpclens/rpclens/internal/core/engine"
	"github.com/rpclens/rpclens/internal/core/transport"
)

// engineConfig maps the loaded file configuration onto the engine wiring.
// The shared breaker section applies to every endpoint; per-endpoint knobs
// come from each endpoints[] entry.
func engineConfig(cfg *config.Config) engine.Config {
	breaker := endpoint.BreakerConfig{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		BaseCooldown:      cfg.Breaker.BaseCooldown,
		BackoffMultiplier: cfg.Breaker.BackoffMultiplier,
		MaxCooldown:       cfg.Breaker.MaxCooldown,
		RequiredSuccesses: cfg.Breaker.RequiredSuccesses,
		HalfOpenMaxProbes: cfg.Breaker.HalfOpenMaxProbes,
	}

	endpoints := make([]endpoint.Config, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, endpoint.Config{
			URL:            ep.URL,
			Weight:         ep.Weight,
			MaxConcurrent:  ep.MaxConcurrent,
			RateRefill:     ep.RateRefill,
			RateCapacity:   ep.RateCapacity,
			DefaultBackoff: ep.DefaultBackoff,
			Breaker:        breaker,
		})
	}

	return engine.Config{
		Endpoints: endpoints,
		Pool: transport.PoolConfig{
			MaxSockets:      cfg.Pool.MaxSockets,
			RequestTimeout:  cfg.Pool.RequestTimeout,
			IdleConnTimeout: cfg.Pool.IdleConnTimeout,
			LeakTimeout:     cfg.Pool.LeakTimeout,
			WarmupMethod:    cfg.Pool.WarmupMethod,
		},
		Cache: engine.CacheConfig{
			MaxSize: cfg.Cache.MaxSize,
			TTL:     cfg.Cache.TTL,
			Methods: cfg.Cache.Methods,
		},
		Batch: engine.BatchConfig{
			Size:    cfg.Batch.Size,
			Window:  cfg.Batch.Window,
			Methods: cfg.Batch.Methods,
		},
		Hedge: engine.HedgeConfig{
			Delay:      cfg.Hedge.Delay,
			MaxBackups: cfg.Hedge.MaxBackups,
			Methods:    cfg.Hedge.Methods,
		},
		Queue: engine.QueueConfig{
			MaxSize:         cfg.Queue.MaxSize,
			RequestDeadline: cfg.Queue.RequestDeadline,
		},
		FailoverBudget:  cfg.Failover.Budget,
		MaxAttempts:     cfg.Failover.MaxAttempts,
		LoadThreshold:   cfg.Failover.LoadThreshold,
		CleanupInterval: cfg.Pool.CleanupInterval,
	}
}
