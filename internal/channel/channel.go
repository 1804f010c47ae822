// Package channel implements the proxy channel: one multiplexed session per
// gRPC stream that negotiates a sub-protocol, routes envelopes to it and to
// its sub-channels, and correlates responses with request ids.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/identity"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	"github.com/SkynetNext/grid-gateway/internal/middleware"
	"github.com/SkynetNext/grid-gateway/internal/pool"
	"github.com/SkynetNext/grid-gateway/internal/protocol"
	"github.com/SkynetNext/grid-gateway/internal/tracing"
	"github.com/SkynetNext/grid-gateway/internal/tracker"
)

type state int32

const (
	stateNew state = iota
	stateInitialized
	// stateUnusable follows a failed Init; the channel stays open but
	// rejects further Init and Message envelopes.
	stateUnusable
)

// Outbound receives the envelopes written by a channel
type Outbound interface {
	Send(*api.Envelope) error
}

// Config is shared by every channel of a Service.
// Registry, Metrics and UIDs are required.
type Config struct {
	Registry *protocol.Registry
	Metrics  *metrics.Metrics
	Tracker  *tracker.Tracker
	UIDs     *identity.Generator
	// Pool runs async dispatch; nil or Async=false dispatches inline
	Pool          *pool.Pool
	Async         bool
	ServerVersion string
	MemberID      int32
	MemberUID     []byte
	// MaxInflight bounds concurrent requests per channel (0 = unbounded)
	MaxInflight int64
	Logger      *zap.Logger
}

// Channel is one client's multiplexed proxy session
type Channel struct {
	cfg        *Config
	ctx        context.Context
	remoteAddr string
	out        Outbound
	conn       *tracker.Connection
	exec       pool.Executor
	inflight   *semaphore.Weighted
	metrics    *metrics.Metrics
	log        *zap.Logger
	onClose    func(*Channel)

	mu          sync.RWMutex
	state       state
	root        protocol.SubProtocol
	version     int32
	clientUID   []byte
	subChannels map[int32]protocol.SubProtocol

	// sendMu serializes writes to out and orders them against Close
	sendMu sync.Mutex
	closed atomic.Bool
	// notified makes OnError reach the protocols once per channel
	notified atomic.Bool
	done   chan struct{}
	err    error
}

// New creates a channel writing to out. ctx is the stream context handed to
// protocol handlers.
func New(ctx context.Context, cfg *Config, remoteAddr string, out Outbound) *Channel {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Channel{
		cfg:        cfg,
		ctx:        ctx,
		remoteAddr: remoteAddr,
		out:        out,
		metrics:    cfg.Metrics,
		log:        log.With(zap.String("remote_addr", remoteAddr)),
		done:       make(chan struct{}),
	}
	if cfg.Tracker != nil {
		c.conn = cfg.Tracker.Register(remoteAddr)
	}
	if cfg.Async && cfg.Pool != nil {
		c.exec = pool.NewSerial(cfg.Pool)
	} else {
		c.exec = inline{}
	}
	if cfg.MaxInflight > 0 {
		c.inflight = semaphore.NewWeighted(cfg.MaxInflight)
	}
	c.metrics.ChannelsTotal.Inc()
	c.metrics.ActiveChannels.Inc()
	return c
}

type inline struct{}

func (inline) Submit(task func()) { task() }

// Dispatch hands env to OnInbound on the channel's executor
func (c *Channel) Dispatch(env *api.Envelope) {
	c.exec.Submit(func() { c.OnInbound(env) })
}

// DispatchComplete runs OnInboundComplete after every envelope dispatched before it
func (c *Channel) DispatchComplete() {
	c.exec.Submit(c.OnInboundComplete)
}

// OnInbound handles one envelope from the client. Failures that end the
// channel close it; everything else is reported with an Error envelope.
func (c *Channel) OnInbound(env *api.Envelope) {
	if c.closed.Load() {
		return
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Panic while handling envelope",
				zap.Any("panic", r),
				zap.Stringer("envelope", env),
				zap.Stack("stack"))
			c.fail(status.Errorf(codes.Internal, "internal error handling request %d", env.ID))
			return
		}
		c.metrics.MessageDuration.Observe(time.Since(start))
	}()

	if c.conn != nil {
		c.conn.Mark()
	}
	c.metrics.Messages.WithLabelValues("in").Inc()

	var err error
	switch p := env.Payload.(type) {
	case *api.InitRequest:
		c.handleInit(env.ID, p)
	case *api.Heartbeat:
		if p.Ack {
			err = c.send(api.NewHeartbeat(env.ID, false))
		}
	case *api.Message:
		c.handleMessage(env.ID, env.ProxyID, p)
	default:
		c.fail(protocol.Unsupported("unsupported envelope kind %s for request %d", env.Kind(), env.ID))
		return
	}
	if err != nil {
		c.fail(err)
	}
}

// OnInboundError is called when the transport fails
func (c *Channel) OnInboundError(err error) {
	if c.closed.Load() {
		return
	}
	c.log.Debug("Inbound stream failed", zap.Error(err))
	c.notifyError(err)
	c.closeWith(err)
}

// OnInboundComplete is called when the client half-closes the stream
func (c *Channel) OnInboundComplete() {
	c.closeWith(nil)
}

// Close closes the channel and its protocols. It is idempotent.
func (c *Channel) Close() error {
	return c.closeWith(nil)
}

// Done is closed once the channel is closed
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error the channel was closed with; it is valid after Done
func (c *Channel) Err() error {
	return c.err
}

// Closed reports whether the channel was closed
func (c *Channel) Closed() bool {
	return c.closed.Load()
}

// Protocol returns the bound root protocol and negotiated version
func (c *Channel) Protocol() (protocol.SubProtocol, int32) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root, c.version
}

// ClientUID returns the UID assigned at Init
func (c *Channel) ClientUID() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientUID
}

// RemoteAddr returns the peer address of the stream
func (c *Channel) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Channel) handleInit(id int64, req *api.InitRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// closeWith marks the channel closed before it takes c.mu, so a root
	// bound past this check is still seen and closed by it
	if c.closed.Load() {
		return
	}
	if c.state != stateNew {
		c.metrics.InitFailures.WithLabelValues("illegal_state").Inc()
		c.sendError(id, api.RootProxyID, protocol.IllegalState(protocol.ErrAlreadyInitialized))
		return
	}

	ctx, span := tracing.StartSpan(c.ctx, "proxy.init",
		tracing.AttrProtocol.String(req.Protocol),
		tracing.AttrRemoteAddr.String(c.remoteAddr))
	defer span.End()

	root, version, subs, exts, err := c.initProtocols(ctx, id, req)
	if err != nil {
		tracing.RecordError(span, err)
		c.state = stateUnusable
		c.log.Warn("Channel init failed", zap.String("protocol", req.Protocol), zap.Error(err))
		c.sendError(id, api.RootProxyID, err)
		return
	}
	span.SetAttributes(tracing.AttrProtocolVersion.Int64(int64(version)))

	c.state = stateInitialized
	c.root = root
	c.version = version
	c.subChannels = subs

	if info := middleware.StreamInfoFromContext(c.ctx); info != nil {
		info.SetProtocol(root.Name(), version)
	}
	c.log.Info("Channel initialized",
		zap.String("protocol", root.Name()),
		zap.Int32("version", version),
		zap.Int("sub_channels", len(subs)))

	if err := c.send(&api.Envelope{
		ID: id,
		Payload: &api.InitResponse{
			ServerVersion:   c.cfg.ServerVersion,
			ProtocolVersion: version,
			ClientUID:       c.clientUID,
			MemberID:        c.cfg.MemberID,
			MemberUID:       c.cfg.MemberUID,
			Extensions:      exts,
		},
	}); err != nil {
		c.log.Debug("Failed to send init response", zap.Error(err))
	}
}

// initProtocols runs the handshake; c.mu is held
func (c *Channel) initProtocols(ctx context.Context, id int64, req *api.InitRequest) (
	protocol.SubProtocol, int32, map[int32]protocol.SubProtocol, []api.Extension, error) {

	root, err := c.cfg.Registry.Lookup(req.Protocol)
	if err != nil {
		c.metrics.InitFailures.WithLabelValues("not_found").Inc()
		return nil, 0, nil, nil, err
	}

	version, err := protocol.Negotiate(root.Name(), root.Version(), root.SupportedVersion(),
		req.ProtocolVersion, req.SupportedProtocolVersion)
	if err != nil {
		c.metrics.InitFailures.WithLabelValues("negotiation").Inc()
		return nil, 0, nil, nil, err
	}

	c.clientUID = c.cfg.UIDs.ClientUID(c.remoteAddr)
	params := protocol.InitParams{
		Version:    version,
		ClientUID:  c.clientUID,
		RemoteAddr: c.remoteAddr,
		Request:    req,
	}
	extends, err := root.Init(ctx, params, c.newSink(id, api.RootProxyID, root.Name(), false, nil))
	if err != nil {
		c.metrics.InitFailures.WithLabelValues("init").Inc()
		_ = root.Close()
		return nil, 0, nil, nil, fmt.Errorf("failed to init protocol %s: %w", root.Name(), err)
	}

	subs := make(map[int32]protocol.SubProtocol, len(extends))
	exts := make([]api.Extension, 0, len(extends))
	for i, name := range extends {
		proxyID := int32(i + 1)
		sub, err := c.initExtension(ctx, id, proxyID, name, params)
		if err != nil {
			c.metrics.InitFailures.WithLabelValues("extension").Inc()
			for _, s := range subs {
				_ = s.Close()
			}
			_ = root.Close()
			return nil, 0, nil, nil, err
		}
		subs[proxyID] = sub
		exts = append(exts, api.Extension{Protocol: name, ProxyID: proxyID})
	}
	return root, version, subs, exts, nil
}

// initExtension binds an extend protocol at its own current version
func (c *Channel) initExtension(ctx context.Context, id int64, proxyID int32, name string, params protocol.InitParams) (protocol.SubProtocol, error) {
	sub, err := c.cfg.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	params.Version = sub.Version()
	nested, err := sub.Init(ctx, params, c.newSink(id, proxyID, name, false, nil))
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to init extension %s: %w", name, err)
	}
	if len(nested) > 0 {
		c.log.Debug("Ignoring extensions declared by an extension protocol",
			zap.String("protocol", name),
			zap.Strings("extensions", nested))
	}
	return sub, nil
}

func (c *Channel) handleMessage(id int64, proxyID int32, msg *api.Message) {
	c.mu.RLock()
	st, root, subs := c.state, c.root, c.subChannels
	c.mu.RUnlock()

	if c.closed.Load() {
		return
	}
	if st != stateInitialized {
		c.sendError(id, proxyID, protocol.IllegalState(protocol.ErrNotInitialized))
		return
	}

	target := root
	if proxyID != api.RootProxyID {
		target = subs[proxyID]
	}
	if target == nil {
		c.sendError(id, proxyID, protocol.Precondition("unknown proxy id %d", proxyID))
		return
	}

	req := protocol.NewRequest(target)
	if msg.Body == nil {
		c.sendError(id, proxyID, protocol.InvalidArgument(nil, "request %d has no body", id))
		return
	}
	if err := msg.Body.UnmarshalTo(req); err != nil {
		c.sendError(id, proxyID, protocol.InvalidArgument(err, "failed to deserialize request %d for %s", id, target.Name()))
		return
	}

	var release func()
	if c.inflight != nil {
		if !c.inflight.TryAcquire(1) {
			c.sendError(id, proxyID, &protocol.Error{
				Code: codes.ResourceExhausted,
				Msg:  fmt.Sprintf("too many in-flight requests (max %d)", c.cfg.MaxInflight),
			})
			return
		}
		release = func() { c.inflight.Release(1) }
	}

	c.metrics.Requests.WithLabelValues(target.Name()).Inc()
	ctx, span := tracing.StartSpan(c.ctx, "proxy.request",
		tracing.AttrProtocol.String(target.Name()),
		tracing.AttrProxyID.Int64(int64(proxyID)))
	defer span.End()

	sink := c.newSink(id, proxyID, target.Name(), true, release)
	if err := target.OnRequest(ctx, req, sink); err != nil {
		tracing.RecordError(span, err)
		_ = sink.Error(err)
	}
}

func (c *Channel) newSink(id int64, proxyID int32, name string, timed bool, release func()) *responseSink {
	s := &responseSink{c: c, id: id, proxyID: proxyID, protocol: name, release: release}
	if timed {
		s.start = time.Now()
	}
	return s
}

// sendError reports err on request id without closing the channel
func (c *Channel) sendError(id int64, proxyID int32, err error) {
	code := protocol.CodeOf(err)
	c.metrics.IncError(code.String(), "request")
	if sendErr := c.send(api.NewError(id, proxyID, code, errorMessage(err))); sendErr != nil {
		c.log.Debug("Failed to send error envelope", zap.Int64("id", id), zap.Error(sendErr))
	}
}

var errChannelClosed = errors.New("channel is closed")

func (c *Channel) send(env *api.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return errChannelClosed
	}
	if err := c.out.Send(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", env, err)
	}
	c.metrics.Messages.WithLabelValues("out").Inc()
	c.metrics.Responses.WithLabelValues(env.Kind().String()).Inc()
	return nil
}

// fail ends the channel with a channel-fatal error
func (c *Channel) fail(err error) {
	if c.closed.Load() {
		return
	}
	code := status.Code(err)
	c.metrics.IncError(code.String(), "channel")
	c.log.Warn("Closing channel after fatal error", zap.Error(err))
	c.notifyError(err)
	c.closeWith(err)
}

func (c *Channel) notifyError(err error) {
	if c.notified.Swap(true) {
		return
	}
	c.mu.RLock()
	root, subs := c.root, c.subChannels
	c.mu.RUnlock()

	for _, sub := range subs {
		sub.OnError(err)
	}
	if root != nil {
		root.OnError(err)
	}
}

func (c *Channel) closeWith(cause error) error {
	c.sendMu.Lock()
	if c.closed.Swap(true) {
		c.sendMu.Unlock()
		return nil
	}
	c.err = cause
	c.sendMu.Unlock()

	c.mu.Lock()
	root, subs := c.root, c.subChannels
	c.subChannels = nil
	c.mu.Unlock()

	var errs error
	for proxyID, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close sub-channel %d (%s): %w", proxyID, sub.Name(), err))
		}
	}
	if root != nil {
		if err := root.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close protocol %s: %w", root.Name(), err))
		}
	}

	c.metrics.ActiveChannels.Dec()
	if c.onClose != nil {
		c.onClose(c)
	}
	close(c.done)

	if errs != nil {
		c.log.Warn("Errors while closing channel", zap.Error(errs))
	}
	return errs
}
