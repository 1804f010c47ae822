package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/SkynetNext/grid-gateway/internal/acceptor"
	"github.com/SkynetNext/grid-gateway/internal/cache"
	"github.com/SkynetNext/grid-gateway/internal/channel"
	"github.com/SkynetNext/grid-gateway/internal/config"
	"github.com/SkynetNext/grid-gateway/internal/identity"
	"github.com/SkynetNext/grid-gateway/internal/lock"
	"github.com/SkynetNext/grid-gateway/internal/logger"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	"github.com/SkynetNext/grid-gateway/internal/middleware"
	"github.com/SkynetNext/grid-gateway/internal/pool"
	"github.com/SkynetNext/grid-gateway/internal/protocol"
	"github.com/SkynetNext/grid-gateway/internal/ratelimit"
	"github.com/SkynetNext/grid-gateway/internal/redis"
	"github.com/SkynetNext/grid-gateway/internal/tracker"
)

// Gateway represents the grid gateway service
type Gateway struct {
	config  *config.Config
	podName string
	version string
	log     *zap.Logger

	// Configuration hot reload
	configMu sync.RWMutex // Protects config updates

	// Components
	registry    *prometheus.Registry
	metrics     *metrics.Metrics
	pool        *pool.Pool
	tracker     *tracker.Tracker
	protocols   *protocol.Registry
	store       cache.Store
	redisClient *redis.Client
	locks       *lock.Table
	acceptor    *acceptor.Controller
	channelCfg  *channel.Config

	// Rate limiting
	rateLimiter *ratelimit.Limiter
	ipLimiter   *ratelimit.IPLimiter

	// HTTP endpoints
	healthServer  *http.Server
	metricsServer *http.Server

	// Background loops
	group  *errgroup.Group
	cancel context.CancelFunc

	// State
	draining atomic.Bool
}

// New creates a new gateway instance
func New(cfg *config.Config, podName, version string) (*Gateway, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.Named("gateway").With(zap.String("pod", podName))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, metrics.Options{
		SampleSize:      cfg.Metrics.SampleSize,
		RefreshInterval: cfg.Metrics.SnapshotInterval,
	})

	workers, err := pool.New(pool.Options{
		Name:          "dispatch",
		MinWorkers:    cfg.WorkerPool.MinWorkers,
		MaxWorkers:    cfg.WorkerPool.MaxWorkers,
		QueueSize:     cfg.WorkerPool.QueueSize,
		IdleTimeout:   cfg.WorkerPool.IdleTimeout,
		HungThreshold: cfg.WorkerPool.HungThreshold,
		TaskTimeout:   cfg.WorkerPool.TaskTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	g := &Gateway{
		config:   cfg,
		podName:  podName,
		version:  version,
		log:      log,
		registry: reg,
		metrics:  m,
		pool:     workers,
		tracker: tracker.New(tracker.Options{
			TTL:           cfg.Tracker.TTL,
			MaxEntries:    cfg.Tracker.MaxEntries,
			SweepInterval: cfg.Tracker.SweepInterval,
		}),
		locks:       lock.NewTable(),
		rateLimiter: ratelimit.NewLimiter(cfg.Security.MaxStreams),
		ipLimiter:   ratelimit.NewIPLimiter(cfg.Security.MaxConnectionsPerIP, cfg.Security.ConnectionRateLimit),
	}

	if err := g.initStore(); err != nil {
		return nil, err
	}

	g.protocols = protocol.NewRegistry(
		cache.Provider(g.store, log, cfg.Cache.Events),
		cache.EventsProvider(g.store, log),
		lock.Provider(g.locks, log),
	)
	g.protocols.Freeze()

	g.channelCfg = &channel.Config{
		Registry:      g.protocols,
		Metrics:       m,
		Tracker:       g.tracker,
		UIDs:          identity.NewGenerator(),
		Pool:          workers,
		Async:         cfg.Server.Dispatch == config.DispatchAsync,
		ServerVersion: version,
		MemberID:      cfg.Server.MemberID,
		MemberUID:     identity.NewMemberUID(),
		MaxInflight:   cfg.Server.MaxInflightRequests,
		Logger:        logger.Named("channel"),
	}

	g.acceptor = acceptor.New(acceptor.Options{
		ListenAddr:       cfg.GRPC.ListenAddr,
		MaxRecvMsgSize:   cfg.GRPC.MaxRecvMsgSize,
		KeepaliveTime:    cfg.GRPC.KeepaliveTime,
		KeepaliveTimeout: cfg.GRPC.KeepaliveTimeout,
		Reflection:       cfg.GRPC.Reflection,
		StopTimeout:      cfg.GracefulShutdownTimeout,
		StreamInterceptors: []grpc.StreamServerInterceptor{
			middleware.LimitStreamInterceptor(g.rateLimiter, g.ipLimiter, m),
			middleware.ContextStreamInterceptor(),
			middleware.MetricsStreamInterceptor(m),
		},
		Logger: logger.L,
	}, g.discover)

	g.registerGauges()
	return g, nil
}

// initStore selects the cache backend
func (g *Gateway) initStore() error {
	switch g.config.Cache.Store {
	case config.StoreRedis:
		client := redis.NewClient(&g.config.Redis, logger.Named("redis"))
		g.watchBreaker(client.Breaker())

		// Test Redis connection
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		g.redisClient = client
		g.store = client
	default:
		g.store = cache.NewMemoryStore()
	}
	return nil
}

// discover binds a fresh proxy service for every acceptor run
func (g *Gateway) discover(context.Context) ([]acceptor.BindableService, error) {
	return []acceptor.BindableService{channel.NewService(g.channelCfg)}, nil
}

func (g *Gateway) registerGauges() {
	g.metrics.GaugeFunc("tracked_connections", "Number of client addresses in the connection tracker",
		func() float64 { return float64(g.tracker.Len()) })
	g.metrics.GaugeFunc("tracker_evictions", "Connections evicted from a full tracker",
		func() float64 { return float64(g.tracker.Evicted()) })
	g.metrics.GaugeFunc("pool_workers", "Number of dispatch pool workers",
		func() float64 { return float64(g.pool.Stats().Workers) })
	g.metrics.GaugeFunc("pool_backlog", "Number of tasks queued on the dispatch pool",
		func() float64 { return float64(g.pool.Stats().Backlog) })
	g.metrics.GaugeFunc("pool_hung_tasks", "Tasks that ran past the hung threshold",
		func() float64 { return float64(g.pool.Stats().Hung) })
	g.metrics.GaugeFunc("pool_abandoned_workers", "Workers abandoned by the pool watchdog",
		func() float64 { return float64(g.pool.Stats().Abandoned) })
	g.metrics.GaugeFunc("active_streams", "Number of admitted proxy streams",
		func() float64 { return float64(g.rateLimiter.Current()) })
}

// Start starts the gateway service. Background loops run until Shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.group, ctx = errgroup.WithContext(ctx)

	// 1. Subscribe to store events
	if g.redisClient != nil {
		if err := g.redisClient.Start(ctx); err != nil {
			return fmt.Errorf("failed to start Redis event subscription: %w", err)
		}
	}

	// 2. Start the dispatch pool
	if g.channelCfg.Async {
		g.pool.Start()
	}

	// 3. Start tracker sweeps
	g.group.Go(func() error {
		g.sweepLoop(ctx)
		return nil
	})

	// 4. Initialize access logger with batching
	middleware.InitAccessLogger(100, 5*time.Second) // Batch 100 logs or flush every 5 seconds

	// 5. Start metrics and health check servers
	if err := g.startHTTP(); err != nil {
		return fmt.Errorf("failed to start HTTP servers: %w", err)
	}

	// 6. Start the gRPC acceptor
	if err := g.acceptor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start acceptor: %w", err)
	}

	g.log.Info("Gateway started",
		zap.String("version", g.version),
		zap.String("store", g.config.Cache.Store),
		zap.String("dispatch", g.config.Server.Dispatch),
		zap.Strings("protocols", g.protocols.Names()))
	return nil
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	interval := g.GetConfig().Tracker.SweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.tracker.Sweep(); n > 0 {
				g.log.Debug("Expired tracked connections", zap.Int("count", n))
			}
		}
	}
}

// Shutdown gracefully shuts down the gateway
func (g *Gateway) Shutdown(ctx context.Context) error {
	// 1. Enter drain mode
	g.draining.Store(true)

	var errs error

	// 2. Stop the acceptor; open channels are closed by their service
	if err := g.acceptor.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop acceptor: %w", err))
	}

	// 3. Drain the dispatch pool
	g.pool.Stop()

	// 4. Close the store
	if err := g.store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close cache store: %w", err))
	}

	// 5. Shutdown HTTP servers
	for _, srv := range []*http.Server{g.healthServer, g.metricsServer} {
		if srv == nil {
			continue
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to shutdown %s: %w", srv.Addr, err))
		}
		cancel()
	}

	// 6. Stop background loops
	if g.cancel != nil {
		g.cancel()
	}
	if g.group != nil {
		if err := g.group.Wait(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	// 7. Shutdown access logger
	middleware.ShutdownAccessLogger()

	return errs
}

// Ready reports whether the gateway accepts proxy streams
func (g *Gateway) Ready() bool {
	return !g.draining.Load() && g.acceptor.Running()
}

// Addr returns the gRPC listen address while running
func (g *Gateway) Addr() net.Addr {
	return g.acceptor.Addr()
}

// Registry returns the prometheus registry backing /metrics
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

// startHTTP serves /health, /ready and /metrics on the health check port and
// /metrics alone on the metrics port
func (g *Gateway) startHTTP() error {
	metricsHandler := promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.healthHandler)
	mux.HandleFunc("/ready", g.readyHandler)
	mux.Handle("/metrics", metricsHandler)

	cfg := g.GetConfig()
	srv, err := g.serveHTTP(cfg.Server.HealthCheckPort, mux)
	if err != nil {
		return err
	}
	g.healthServer = srv

	if cfg.Server.MetricsPort != cfg.Server.HealthCheckPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		if g.metricsServer, err = g.serveHTTP(cfg.Server.MetricsPort, metricsMux); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) serveHTTP(port int, handler http.Handler) (*http.Server, error) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lis, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	g.group.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Error("HTTP server error", zap.String("addr", srv.Addr), zap.Error(err))
			return err
		}
		return nil
	})
	g.log.Info("HTTP server started", zap.Int("port", port))
	return srv, nil
}

// healthHandler handles liveness probe requests
func (g *Gateway) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyHandler handles readiness probe requests
func (g *Gateway) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Draining"))
		return
	}
	if !g.acceptor.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not serving"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}
