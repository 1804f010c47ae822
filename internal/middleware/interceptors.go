package middleware

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/SkynetNext/grid-gateway/internal/logger"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	"github.com/SkynetNext/grid-gateway/internal/ratelimit"
)

// RequestIDHeader carries the stream's request id in both directions
const RequestIDHeader = "x-request-id"

// StreamInfo describes one server stream for logging and metrics
type StreamInfo struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Start      time.Time

	mu       sync.Mutex
	protocol string
	version  int32

	received atomic.Int64
	sent     atomic.Int64
}

// SetProtocol records the protocol negotiated on the stream
func (i *StreamInfo) SetProtocol(name string, version int32) {
	i.mu.Lock()
	i.protocol, i.version = name, version
	i.mu.Unlock()
}

// Protocol returns the negotiated protocol, if any
func (i *StreamInfo) Protocol() (string, int32) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.protocol, i.version
}

type streamInfoKey struct{}

// WithStreamInfo attaches info to ctx
func WithStreamInfo(ctx context.Context, info *StreamInfo) context.Context {
	return context.WithValue(ctx, streamInfoKey{}, info)
}

// StreamInfoFromContext returns the StreamInfo installed by ContextStreamInterceptor
func StreamInfoFromContext(ctx context.Context) *StreamInfo {
	info, _ := ctx.Value(streamInfoKey{}).(*StreamInfo)
	return info
}

type wrappedStream struct {
	grpc.ServerStream
	ctx  context.Context
	info *StreamInfo
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}

func (w *wrappedStream) RecvMsg(m any) error {
	err := w.ServerStream.RecvMsg(m)
	if err == nil {
		w.info.received.Add(1)
	}
	return err
}

func (w *wrappedStream) SendMsg(m any) error {
	err := w.ServerStream.SendMsg(m)
	if err == nil {
		w.info.sent.Add(1)
	}
	return err
}

// exempt reports whether method bypasses stream limits
func exempt(method string) bool {
	return strings.HasPrefix(method, "/grpc.health.v1.") ||
		strings.HasPrefix(method, "/grpc.reflection.")
}

// LimitStreamInterceptor rejects streams above the global or per-IP limits.
// Either limiter may be nil.
func LimitStreamInterceptor(limiter *ratelimit.Limiter, ipLimiter *ratelimit.IPLimiter, m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if exempt(info.FullMethod) {
			return handler(srv, ss)
		}

		if limiter != nil {
			if !limiter.Allow() {
				m.IncRateLimitRejected("max_streams")
				logger.WarnWithTrace(ss.Context(), "Stream rejected: too many concurrent streams",
					zap.String("remote_addr", peerAddr(ss.Context())),
					zap.Int64("max_streams", limiter.Max()))
				return status.Errorf(codes.ResourceExhausted, "too many concurrent streams (max %d)", limiter.Max())
			}
			defer limiter.Release()
		}

		if ipLimiter != nil {
			ip := peerIP(ss.Context())
			ok, reason := ipLimiter.Allow(ip)
			if !ok {
				m.IncRateLimitRejected(string(reason))
				logger.WarnWithTrace(ss.Context(), "Stream rejected by per-IP limit",
					zap.String("ip", ip),
					zap.String("reason", string(reason)))
				return status.Errorf(codes.ResourceExhausted, "stream limit exceeded for %s (%s)", ip, reason)
			}
			defer ipLimiter.Release(ip)
		}

		return handler(srv, ss)
	}
}

// ContextStreamInterceptor assigns a request id, installs a StreamInfo in the
// stream context and echoes the request id in the response header.
func ContextStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()

		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if v := md.Get(RequestIDHeader); len(v) > 0 {
				requestID = v[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		si := &StreamInfo{
			RequestID:  requestID,
			Method:     info.FullMethod,
			RemoteAddr: peerAddr(ctx),
			Start:      time.Now(),
		}
		ctx = WithStreamInfo(ctx, si)
		_ = ss.SetHeader(metadata.Pairs(RequestIDHeader, requestID))

		logger.DebugWithTrace(ctx, "Stream opened",
			zap.String("method", si.Method),
			zap.String("remote_addr", si.RemoteAddr),
			zap.String("request_id", requestID))

		return handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx, info: si})
	}
}

// MetricsStreamInterceptor records stream counts and durations and writes an
// access log entry when the stream ends.
func MetricsStreamInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		elapsed := time.Since(start)
		code := status.Code(err)

		m.Streams.WithLabelValues(info.FullMethod, code.String()).Inc()
		m.StreamDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())
		if code != codes.OK && code != codes.Canceled {
			m.IncError(code.String(), "stream")
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.ErrorWithTrace(ss.Context(), "Stream failed",
				zap.String("method", info.FullMethod),
				zap.String("remote_addr", peerAddr(ss.Context())),
				zap.Error(err))
		}

		if exempt(info.FullMethod) {
			return err
		}
		entry := &AccessLogEntry{
			Method:     info.FullMethod,
			RemoteAddr: peerAddr(ss.Context()),
			DurationMs: elapsed.Milliseconds(),
			Status:     code.String(),
		}
		if si := StreamInfoFromContext(ss.Context()); si != nil {
			entry.RequestID = si.RequestID
			entry.Protocol, entry.ProtocolVersion = si.Protocol()
			entry.EnvelopesIn = si.received.Load()
			entry.EnvelopesOut = si.sent.Load()
		}
		if err != nil {
			entry.Error = status.Convert(err).Message()
		}
		LogAccess(ss.Context(), entry)
		return err
	}
}

func peerAddr(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func peerIP(ctx context.Context) string {
	addr := peerAddr(ctx)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
