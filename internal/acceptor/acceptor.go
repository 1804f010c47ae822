// Package acceptor owns the gRPC server: it binds the discovered services,
// publishes their health and serves until stopped. Start and Stop are
// idempotent and safe for concurrent use.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/SkynetNext/grid-gateway/api"
)

// State is the lifecycle state of a Controller
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// BindableService is a gRPC service the controller binds to its server
type BindableService interface {
	// Name is the fully qualified service name reported by health checks
	Name() string
	Register(*grpc.Server)
	Close() error
}

// Discoverer returns the services to bind. It is called once per start;
// the result is cached until the controller stops.
type Discoverer func(ctx context.Context) ([]BindableService, error)

// Options configures a Controller
type Options struct {
	ListenAddr string
	// Listen overrides net.Listen("tcp", ListenAddr)
	Listen func() (net.Listener, error)

	MaxRecvMsgSize   int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Reflection       bool

	// StopTimeout bounds the graceful stop before connections are cut
	StopTimeout time.Duration

	StreamInterceptors []grpc.StreamServerInterceptor
	Logger             *zap.Logger
}

// Controller starts and stops the gRPC acceptor
type Controller struct {
	opts     Options
	discover Discoverer
	log      *zap.Logger

	// mu serializes Start and Stop; state allows lock-free fast paths.
	// Services are closed with mu released, so their locks never nest in it.
	mu       sync.Mutex
	state    atomic.Int32
	services []BindableService
	server   *grpc.Server
	health   *health.Server
	lis      net.Listener
	served   chan struct{}
	// stopping is closed when the stop in progress completes
	stopping chan struct{}
}

// New creates a stopped controller
func New(opts Options, discover Discoverer) *Controller {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Listen == nil {
		addr := opts.ListenAddr
		opts.Listen = func() (net.Listener, error) { return net.Listen("tcp", addr) }
	}
	return &Controller{
		opts:     opts,
		discover: discover,
		log:      opts.Logger.With(zap.String("component", "acceptor")),
	}
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Running reports whether the acceptor is serving
func (c *Controller) Running() bool {
	return c.State() == StateRunning
}

// Services returns the services bound by the current run
func (c *Controller) Services() []BindableService {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BindableService(nil), c.services...)
}

// Addr returns the listener address while running
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lis == nil {
		return nil
	}
	return c.lis.Addr()
}

// Start binds the services and serves. It returns nil when already running.
// On failure the controller is left stopped.
func (c *Controller) Start(ctx context.Context) error {
	if c.State() == StateRunning {
		return nil
	}
	if err := c.lockSettled(ctx); err != nil {
		return err
	}
	defer c.mu.Unlock()
	if c.State() == StateRunning {
		return nil
	}
	c.state.Store(int32(StateStarting))

	if err := c.start(ctx); err != nil {
		c.reset()
		c.state.Store(int32(StateStopped))
		c.log.Error("Failed to start acceptor", zap.Error(err))
		return err
	}
	c.state.Store(int32(StateRunning))
	c.log.Info("Acceptor started",
		zap.String("addr", c.lis.Addr().String()),
		zap.Int("services", len(c.services)))
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if c.services == nil {
		services, err := c.discover(ctx)
		if err != nil {
			return fmt.Errorf("failed to discover services: %w", err)
		}
		if len(services) == 0 {
			return errors.New("no services to bind")
		}
		c.services = services
	}

	c.server = grpc.NewServer(c.serverOptions()...)
	c.health = health.NewServer()
	healthpb.RegisterHealthServer(c.server, c.health)
	if c.opts.Reflection {
		reflection.Register(c.server)
	}
	for _, svc := range c.services {
		svc.Register(c.server)
	}

	lis, err := c.opts.Listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.opts.ListenAddr, err)
	}
	c.lis = lis

	c.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	for _, svc := range c.services {
		c.health.SetServingStatus(svc.Name(), healthpb.HealthCheckResponse_SERVING)
	}

	server, served := c.server, make(chan struct{})
	c.served = served
	go func() {
		defer close(served)
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

func (c *Controller) serverOptions() []grpc.ServerOption {
	opts := []grpc.ServerOption{
		grpc.ForceServerCodec(api.Codec{}),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainStreamInterceptor(c.opts.StreamInterceptors...),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if c.opts.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(c.opts.MaxRecvMsgSize))
	}
	if c.opts.KeepaliveTime > 0 {
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    c.opts.KeepaliveTime,
			Timeout: c.opts.KeepaliveTimeout,
		}))
	}
	return opts
}

// Stop marks every service NOT_SERVING, closes the services and stops the
// server. Service close errors are logged, never returned. Stopping a
// stopped controller is a no-op; a concurrent Stop waits for the first.
func (c *Controller) Stop(ctx context.Context) error {
	if c.State() == StateStopped {
		return nil
	}
	if err := c.lockSettled(ctx); err != nil {
		return err
	}
	if c.State() != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state.Store(int32(StateStopping))
	stopping := make(chan struct{})
	c.stopping = stopping
	c.health.Shutdown()
	services, server, served := c.services, c.server, c.served
	c.mu.Unlock()

	var errs error
	for _, svc := range services {
		if err := svc.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", svc.Name(), err))
		}
	}
	if errs != nil {
		c.log.Warn("Errors while closing services", zap.Error(errs))
	}
	c.gracefulStop(ctx, server, served)

	c.mu.Lock()
	c.reset()
	c.stopping = nil
	c.state.Store(int32(StateStopped))
	c.mu.Unlock()
	close(stopping)
	c.log.Info("Acceptor stopped")
	return nil
}

// lockSettled acquires c.mu once no stop is in progress
func (c *Controller) lockSettled(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.State() != StateStopping {
			return nil
		}
		wait := c.stopping
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// gracefulStop waits for in-flight streams up to StopTimeout or ctx, then
// cuts the remaining connections
func (c *Controller) gracefulStop(ctx context.Context, server *grpc.Server, served <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(c.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("Graceful stop timed out, closing connections")
		server.Stop()
		<-done
	case <-ctx.Done():
		server.Stop()
		<-done
	}
	if served != nil {
		<-served
	}
}

// reset drops the state of the current run; services are rediscovered on
// the next start. c.mu is held.
func (c *Controller) reset() {
	if c.server != nil && c.State() == StateStarting {
		// failed start: nothing is serving yet
		for _, svc := range c.services {
			_ = svc.Close()
		}
		if c.lis != nil {
			_ = c.lis.Close()
		}
		c.server.Stop()
	}
	c.services = nil
	c.server = nil
	c.health = nil
	c.lis = nil
	c.served = nil
}
