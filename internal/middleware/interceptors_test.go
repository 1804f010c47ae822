package middleware

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/SkynetNext/grid-gateway/internal/logger"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	"github.com/SkynetNext/grid-gateway/internal/ratelimit"
)

const proxyMethod = "/gridproxy.v1.ProxyService/subChannel"

type fakeStream struct {
	grpc.ServerStream
	ctx    context.Context
	header metadata.MD
}

func newFakeStream(ip string, md metadata.MD) *fakeStream {
	ctx := peer.NewContext(context.Background(), &peer.Peer{
		Addr: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000},
	})
	if md != nil {
		ctx = metadata.NewIncomingContext(ctx, md)
	}
	return &fakeStream{ctx: ctx}
}

func (s *fakeStream) Context() context.Context { return s.ctx }
func (s *fakeStream) SetHeader(md metadata.MD) error {
	s.header = metadata.Join(s.header, md)
	return nil
}
func (s *fakeStream) SendMsg(any) error { return nil }
func (s *fakeStream) RecvMsg(any) error { return nil }

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	old := logger.L
	logger.L = zap.New(core)
	t.Cleanup(func() { logger.L = old })
	return logs
}

func info(method string) *grpc.StreamServerInfo {
	return &grpc.StreamServerInfo{FullMethod: method, IsClientStream: true, IsServerStream: true}
}

func TestContextStreamInterceptor_RequestID(t *testing.T) {
	interceptor := ContextStreamInterceptor()

	ss := newFakeStream("10.1.1.1", metadata.Pairs(RequestIDHeader, "req-42"))
	var got *StreamInfo
	err := interceptor(nil, ss, info(proxyMethod), func(_ any, stream grpc.ServerStream) error {
		got = StreamInfoFromContext(stream.Context())
		require.NoError(t, stream.RecvMsg(nil))
		require.NoError(t, stream.SendMsg(nil))
		require.NoError(t, stream.SendMsg(nil))
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "req-42", got.RequestID)
	assert.Equal(t, "10.1.1.1:40000", got.RemoteAddr)
	assert.Equal(t, []string{"req-42"}, ss.header.Get(RequestIDHeader))
	assert.Equal(t, int64(1), got.received.Load())
	assert.Equal(t, int64(2), got.sent.Load())

	ss = newFakeStream("10.1.1.1", nil)
	err = interceptor(nil, ss, info(proxyMethod), func(_ any, stream grpc.ServerStream) error {
		got = StreamInfoFromContext(stream.Context())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got.RequestID, 36, "generated ids are uuids")
}

func TestStreamInfo_Protocol(t *testing.T) {
	si := &StreamInfo{}
	si.SetProtocol("CacheService", 1)
	name, v := si.Protocol()
	assert.Equal(t, "CacheService", name)
	assert.Equal(t, int32(1), v)
	assert.Nil(t, StreamInfoFromContext(context.Background()))
}

func TestLimitStreamInterceptor(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), metrics.Options{})
	limiter := ratelimit.NewLimiter(1)
	interceptor := LimitStreamInterceptor(limiter, ratelimit.NewIPLimiter(0, 0), m)

	held := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = interceptor(nil, newFakeStream("10.0.0.1", nil), info(proxyMethod), func(any, grpc.ServerStream) error {
			close(entered)
			<-held
			return nil
		})
	}()
	<-entered

	err := interceptor(nil, newFakeStream("10.0.0.2", nil), info(proxyMethod), func(any, grpc.ServerStream) error {
		return nil
	})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejected.WithLabelValues("max_streams")))

	err = interceptor(nil, newFakeStream("10.0.0.2", nil), info("/grpc.health.v1.Health/Watch"), func(any, grpc.ServerStream) error {
		return nil
	})
	assert.NoError(t, err, "health streams bypass limits")

	close(held)
	require.Eventually(t, func() bool { return limiter.Current() == 0 }, time.Second, time.Millisecond)
}

func TestLimitStreamInterceptor_PerIP(t *testing.T) {
	logs := observeLogs(t)
	m := metrics.New(prometheus.NewRegistry(), metrics.Options{})
	ipLimiter := ratelimit.NewIPLimiter(0, 1)
	interceptor := LimitStreamInterceptor(nil, ipLimiter, m)
	noop := func(any, grpc.ServerStream) error { return nil }

	require.NoError(t, interceptor(nil, newFakeStream("10.0.0.3", nil), info(proxyMethod), noop))
	err := interceptor(nil, newFakeStream("10.0.0.3", nil), info(proxyMethod), noop)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejected.WithLabelValues(string(ratelimit.ReasonIPRate))))

	rejected := logs.FilterLevelExact(zapcore.WarnLevel).FilterField(zap.String("ip", "10.0.0.3")).All()
	require.Len(t, rejected, 1)
	assert.Equal(t, string(ratelimit.ReasonIPRate), rejected[0].ContextMap()["reason"])

	require.NoError(t, interceptor(nil, newFakeStream("10.0.0.4", nil), info(proxyMethod), noop), "other addresses are unaffected")
}

func TestMetricsStreamInterceptor(t *testing.T) {
	logs := observeLogs(t)
	m := metrics.New(prometheus.NewRegistry(), metrics.Options{})
	interceptor := MetricsStreamInterceptor(m)

	err := interceptor(nil, newFakeStream("10.0.0.1", nil), info(proxyMethod), func(any, grpc.ServerStream) error {
		return nil
	})
	require.NoError(t, err)

	want := status.Error(codes.FailedPrecondition, "closed")
	err = interceptor(nil, newFakeStream("10.0.0.1", nil), info(proxyMethod), func(any, grpc.ServerStream) error {
		return want
	})
	assert.Equal(t, want, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Streams.WithLabelValues(proxyMethod, "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Streams.WithLabelValues(proxyMethod, "FailedPrecondition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("FailedPrecondition", "stream")))
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), "client-caused failures are not errors")

	_ = interceptor(nil, newFakeStream("10.0.0.1", nil), info(proxyMethod), func(any, grpc.ServerStream) error {
		return status.Error(codes.Internal, "handler bug")
	})
	failed := logs.FilterMessage("Stream failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, proxyMethod, failed[0].ContextMap()["method"])
}
