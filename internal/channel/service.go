package channel

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/SkynetNext/grid-gateway/api"
)

// Service serves proxy streams, one Channel per stream, and tracks the
// channels that are still open.
type Service struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   atomic.Bool
}

// NewService creates the proxy service
func NewService(cfg *Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		log:      cfg.Logger.With(zap.String("service", api.ServiceName)),
		channels: make(map[*Channel]struct{}),
	}
}

// Name returns the gRPC service name, used for health status
func (s *Service) Name() string {
	return api.ServiceName
}

// Register binds the service to a gRPC server
func (s *Service) Register(gs *grpc.Server) {
	api.RegisterProxyServiceServer(gs, s)
}

// Channels returns the number of open channels
func (s *Service) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Close closes every open channel and rejects new streams
func (s *Service) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.Lock()
	open := make([]*Channel, 0, len(s.channels))
	for c := range s.channels {
		open = append(open, c)
	}
	s.mu.Unlock()

	var errs error
	for _, c := range open {
		c.notifyError(status.Error(codes.Unavailable, "proxy service is shutting down"))
		errs = multierr.Append(errs, c.closeWith(status.Error(codes.Unavailable, "proxy service is shutting down")))
	}
	s.log.Info("Proxy service closed", zap.Int("channels", len(open)))
	return errs
}

// SubChannel serves one proxy stream until the client completes it, the
// transport fails or the channel hits a fatal error.
func (s *Service) SubChannel(stream api.SubChannelServer) error {
	if s.closed.Load() {
		return status.Error(codes.Unavailable, "proxy service is closed")
	}

	ctx := stream.Context()
	remoteAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		remoteAddr = p.Addr.String()
	}

	c := New(ctx, s.cfg, remoteAddr, stream)
	c.onClose = s.unregister
	s.mu.Lock()
	s.channels[c] = struct{}{}
	s.mu.Unlock()
	defer c.Close()

	// Recheck after registration so Close cannot miss this channel
	if s.closed.Load() {
		return status.Error(codes.Unavailable, "proxy service is closed")
	}

	go s.receive(c, stream)

	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		c.OnInboundError(ctx.Err())
		return status.FromContextError(ctx.Err()).Err()
	}
}

func (s *Service) receive(c *Channel, stream api.SubChannelServer) {
	for {
		env, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.DispatchComplete()
			} else {
				c.OnInboundError(err)
			}
			return
		}
		if c.Closed() {
			return
		}
		c.Dispatch(env)
	}
}

func (s *Service) unregister(c *Channel) {
	s.mu.Lock()
	delete(s.channels, c)
	s.mu.Unlock()
}
