// Package grpc is a client for the proxy stream. One Client owns a
// connection; each Session is one multiplexed stream on it.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/logger"
	"github.com/SkynetNext/grid-gateway/internal/middleware"
	"github.com/SkynetNext/grid-gateway/internal/retry"
	"github.com/SkynetNext/grid-gateway/internal/tracing"
)

// ErrSessionClosed is returned by calls on a session whose stream has ended
var ErrSessionClosed = errors.New("session is closed")

// EventHandler receives messages pushed on the init id by extension protocols
type EventHandler func(proxyID int32, body *anypb.Any)

// Options configures a Client
type Options struct {
	// Name is sent as the x-client-name header of every stream
	Name string
	// OpenRetries bounds stream open attempts (default 3)
	OpenRetries int
	RetryDelay  time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Client is a connection to one gateway
type Client struct {
	address string
	conn    *grpc.ClientConn
	opts    Options
	log     *zap.Logger
}

// Dial creates a client for address. The connection is established lazily.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	if opts.OpenRetries <= 0 {
		opts.OpenRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logger.L
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts.DialOptions...)

	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client for %s: %w", address, err)
	}
	return &Client{
		address: address,
		conn:    conn,
		opts:    opts,
		log:     opts.Logger.With(zap.String("address", address)),
	}, nil
}

// Close closes the connection and every session on it
func (c *Client) Close() error {
	return c.conn.Close()
}

// Open starts a new proxy stream. Events pushed by extension protocols are
// passed to onEvent, which may be nil.
func (c *Client) Open(ctx context.Context, onEvent EventHandler) (*Session, error) {
	spanCtx, span := tracing.StartSpan(ctx, "client.open_stream",
		attribute.String("gateway.address", c.address),
		attribute.String("transport", "grpc"),
	)
	defer span.End()

	requestID := uuid.NewString()
	md := metadata.Pairs(middleware.RequestIDHeader, requestID)
	if c.opts.Name != "" {
		md.Set("x-client-name", c.opts.Name)
	}

	var (
		stream api.SubChannelClient
		cancel context.CancelFunc
	)
	attempt := 0
	err := retry.Do(ctx, retry.RetryConfig{
		MaxRetries: c.opts.OpenRetries,
		RetryDelay: c.opts.RetryDelay,
		Jitter:     true,
	}, func() error {
		attempt++
		streamCtx, cancelFunc := context.WithCancel(metadata.NewOutgoingContext(spanCtx, md))
		s, err := api.NewProxyServiceClient(c.conn).SubChannel(streamCtx)
		if err != nil {
			cancelFunc()
			c.log.Warn("Failed to open proxy stream", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		stream, cancel = s, cancelFunc
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to open stream to %s: %w", c.address, err)
	}
	span.SetStatus(otelcodes.Ok, "connected")

	s := &Session{
		stream:  stream,
		cancel:  cancel,
		onEvent: onEvent,
		log:     c.log.With(zap.String("request_id", requestID)),
		pending: make(map[int64]*call),
		done:    make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

type call struct {
	bodies []*anypb.Any
	init   *api.InitResponse
	result chan error
}

// Session is one proxy stream. Calls may be issued concurrently.
type Session struct {
	stream  api.SubChannelClient
	cancel  context.CancelFunc
	onEvent EventHandler
	log     *zap.Logger

	sendMu sync.Mutex
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*call
	initID  int64
	err     error
	done    chan struct{}
}

// Init negotiates the root protocol of the session
func (s *Session) Init(ctx context.Context, req *api.InitRequest) (*api.InitResponse, error) {
	id := s.nextID.Add(1)
	s.mu.Lock()
	s.initID = id
	s.mu.Unlock()

	c, err := s.roundTrip(ctx, &api.Envelope{ID: id, Payload: req})
	if err != nil {
		return nil, err
	}
	return c.init, nil
}

// Call sends req to the protocol on proxyID and returns the message bodies
// of the response. An error response is returned as a gRPC status error.
func (s *Session) Call(ctx context.Context, proxyID int32, req proto.Message) ([]*anypb.Any, error) {
	body, err := anypb.New(req)
	if err != nil {
		return nil, fmt.Errorf("failed to pack request: %w", err)
	}
	c, err := s.roundTrip(ctx, api.NewMessage(s.nextID.Add(1), proxyID, body))
	if err != nil {
		return nil, err
	}
	return c.bodies, nil
}

// Heartbeat sends an acknowledged heartbeat and waits for the echo
func (s *Session) Heartbeat(ctx context.Context) error {
	_, err := s.roundTrip(ctx, api.NewHeartbeat(s.nextID.Add(1), true))
	return err
}

// Done is closed when the stream ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the stream ended; io.EOF for a clean close
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close half-closes the stream and waits for the server to end it
func (s *Session) Close() error {
	s.sendMu.Lock()
	err := s.stream.CloseSend()
	s.sendMu.Unlock()
	<-s.done
	s.cancel()
	return err
}

func (s *Session) roundTrip(ctx context.Context, env *api.Envelope) (*call, error) {
	c := &call{result: make(chan error, 1)}
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[env.ID] = c
	s.mu.Unlock()

	s.sendMu.Lock()
	err := s.stream.Send(env)
	s.sendMu.Unlock()
	if err != nil {
		s.forget(env.ID)
		return nil, fmt.Errorf("send failed: %w", err)
	}

	select {
	case err := <-c.result:
		return c, err
	case <-ctx.Done():
		s.forget(env.ID)
		return nil, ctx.Err()
	case <-s.done:
		select {
		case err := <-c.result:
			return c, err
		default:
		}
		return nil, fmt.Errorf("%w: %v", ErrSessionClosed, s.Err())
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) recvLoop() {
	for {
		env, err := s.stream.Recv()
		if err != nil {
			// EOF is a normal close signal, should not be treated as ERROR
			if errors.Is(err, io.EOF) {
				s.log.Debug("Proxy stream closed by server")
			} else {
				s.log.Warn("Proxy stream error", zap.Error(err))
			}
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			close(s.done)
			return
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env *api.Envelope) {
	s.mu.Lock()
	c, ok := s.pending[env.ID]
	initID := s.initID
	s.mu.Unlock()

	if !ok {
		if msg, isMsg := env.Payload.(*api.Message); isMsg && env.ID == initID {
			s.event(env.ProxyID, msg.Body)
			return
		}
		s.log.Debug("Dropping envelope without a pending request", zap.Stringer("envelope", env))
		return
	}

	switch p := env.Payload.(type) {
	case *api.InitResponse:
		c.init = p
		s.finish(env.ID, c, nil)
	case *api.Heartbeat, *api.Complete:
		s.finish(env.ID, c, nil)
	case *api.Message:
		c.bodies = append(c.bodies, p.Body)
	case *api.ErrorInfo:
		s.finish(env.ID, c, status.Error(p.Code, p.Message))
	default:
		s.log.Warn("Unexpected envelope", zap.Stringer("envelope", env))
	}
}

func (s *Session) finish(id int64, c *call, err error) {
	s.forget(id)
	c.result <- err
}

// event runs the handler; a panic is logged and the receive loop continues
func (s *Session) event(proxyID int32, body *anypb.Any) {
	if s.onEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in event handler, continuing to receive",
				zap.Int32("proxy_id", proxyID),
				zap.Any("panic", r))
		}
	}()
	s.onEvent(proxyID, body)
}
