package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/config"
	"github.com/SkynetNext/grid-gateway/internal/logger"
)

// UpdateConfig updates the gateway configuration (hot reload)
// Pool bounds and stream limits are applied live; every other change takes
// effect on restart.
func (g *Gateway) UpdateConfig(newConfig *config.Config) error {
	// Validate new configuration
	if err := config.ValidateConfig(newConfig); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	g.configMu.Lock()
	defer g.configMu.Unlock()
	old := g.config

	// Resize the dispatch pool if its bounds changed
	if newConfig.WorkerPool.MinWorkers != old.WorkerPool.MinWorkers ||
		newConfig.WorkerPool.MaxWorkers != old.WorkerPool.MaxWorkers {
		if err := g.pool.Resize(newConfig.WorkerPool.MinWorkers, newConfig.WorkerPool.MaxWorkers); err != nil {
			return fmt.Errorf("failed to resize worker pool: %w", err)
		}
		g.log.Info("worker pool resized",
			zap.Int("old_max", old.WorkerPool.MaxWorkers),
			zap.Int("new_max", newConfig.WorkerPool.MaxWorkers),
		)
	}

	// Update rate limiter if max streams changed
	if newConfig.Security.MaxStreams != old.Security.MaxStreams {
		g.rateLimiter.SetMax(newConfig.Security.MaxStreams)
		g.log.Info("rate limiter updated",
			zap.Int64("old_max", old.Security.MaxStreams),
			zap.Int64("new_max", newConfig.Security.MaxStreams),
		)
	}

	// Update IP limiter if security settings changed
	if newConfig.Security.MaxConnectionsPerIP != old.Security.MaxConnectionsPerIP ||
		newConfig.Security.ConnectionRateLimit != old.Security.ConnectionRateLimit {
		g.ipLimiter.SetLimits(newConfig.Security.MaxConnectionsPerIP, newConfig.Security.ConnectionRateLimit)
		g.log.Info("IP limiter updated",
			zap.Int("old_max_per_ip", old.Security.MaxConnectionsPerIP),
			zap.Int("new_max_per_ip", newConfig.Security.MaxConnectionsPerIP),
			zap.Int("old_rate_limit", old.Security.ConnectionRateLimit),
			zap.Int("new_rate_limit", newConfig.Security.ConnectionRateLimit),
		)
	}

	// Update configuration
	g.config = newConfig

	g.log.Info("configuration updated successfully")
	return nil
}

// GetConfig returns the current configuration (thread-safe)
func (g *Gateway) GetConfig() *config.Config {
	g.configMu.RLock()
	defer g.configMu.RUnlock()
	return g.config
}

// WatchConfig polls path and applies changed configuration until ctx is done.
// Failed reloads are counted and the running configuration is kept.
func (g *Gateway) WatchConfig(ctx context.Context, path string, interval time.Duration) error {
	mgr := config.NewHotReloadManager(g.GetConfig(), g.UpdateConfig, logger.Named("config"))
	mgr.OnError = func(error) {
		g.metrics.ConfigRefreshErrors.WithLabelValues("file").Inc()
	}
	return mgr.WatchConfigFile(ctx, path, interval)
}
