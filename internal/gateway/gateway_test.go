package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/cache"
	"github.com/SkynetNext/grid-gateway/internal/config"
	"github.com/SkynetNext/grid-gateway/internal/lock"
	transport "github.com/SkynetNext/grid-gateway/internal/transport/grpc"
)

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.GRPC.ListenAddr = "127.0.0.1:0"
	cfg.Server.HealthCheckPort = freePort(t)
	cfg.Server.MetricsPort = freePort(t)
	cfg.GracefulShutdownTimeout = 2 * time.Second
	return cfg
}

func startGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(cfg, "test-pod", "test")
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

func get(t *testing.T, port int, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestGateway_New_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Dispatch = "threads"
	_, err := New(cfg, "test-pod", "test")
	assert.Error(t, err)
}

func TestGateway_RedisUnavailable(t *testing.T) {
	cfg := config.Default()
	cfg.Cache.Store = config.StoreRedis
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 100 * time.Millisecond
	cfg.Redis.MaxRetries = 1
	_, err := New(cfg, "test-pod", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Redis")
}

func TestGateway_ReadyFollowsAcceptor(t *testing.T) {
	gw, err := New(testConfig(t), "test-pod", "test")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	gw.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before start")

	require.NoError(t, gw.Start(context.Background()))
	assert.True(t, gw.Ready())

	code, body := get(t, gw.GetConfig().Server.HealthCheckPort, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ready", body)

	code, _ = get(t, gw.GetConfig().Server.HealthCheckPort, "/health")
	assert.Equal(t, http.StatusOK, code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	assert.False(t, gw.Ready())

	rec = httptest.NewRecorder()
	gw.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Draining", rec.Body.String())
}

func TestGateway_ServesCacheAndLockSessions(t *testing.T) {
	gw := startGateway(t, testConfig(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := transport.Dial(ctx, gw.Addr().String(), transport.Options{Name: "gateway-test"})
	require.NoError(t, err)
	defer client.Close()

	session, err := client.Open(ctx, nil)
	require.NoError(t, err)
	resp, err := session.Init(ctx, &api.InitRequest{Protocol: cache.ProtocolName, ProtocolVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, "test", resp.ServerVersion)
	assert.NotEmpty(t, resp.ClientUID)

	req, _ := structpb.NewStruct(map[string]any{"type": cache.OpEnsureCache, "cache": "people"})
	bodies, err := session.Call(ctx, api.RootProxyID, req)
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	require.NoError(t, session.Close())

	locks, err := client.Open(ctx, nil)
	require.NoError(t, err)
	_, err = locks.Init(ctx, &api.InitRequest{Protocol: lock.ProtocolName, ProtocolVersion: 1, SupportedProtocolVersion: 1})
	require.NoError(t, err)
	req, _ = structpb.NewStruct(map[string]any{"type": lock.OpLock, "name": "jobs"})
	bodies, err = locks.Call(ctx, api.RootProxyID, req)
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	require.NoError(t, locks.Close())

	code, body := get(t, gw.GetConfig().Server.MetricsPort, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "grid_gateway_channels_total 2")
	assert.Contains(t, body, "grid_gateway_tracked_connections")
}

func TestGateway_UpdateConfig(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, "test-pod", "test")
	require.NoError(t, err)

	next := *cfg
	next.WorkerPool.MinWorkers = 2
	next.WorkerPool.MaxWorkers = 8
	next.Security.MaxStreams = 3
	next.Security.MaxConnectionsPerIP = 5
	require.NoError(t, gw.UpdateConfig(&next))

	assert.Same(t, &next, gw.GetConfig())
	assert.Equal(t, 8, gw.pool.Stats().MaxWorkers)
	assert.Equal(t, int64(3), gw.rateLimiter.Max())

	bad := next
	bad.Tracker.TTL = 0
	assert.Error(t, gw.UpdateConfig(&bad))
	assert.Same(t, &next, gw.GetConfig(), "invalid config is not applied")
}

func TestGateway_WatchConfigCountsErrors(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, "test-pod", "test")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not, a, map]"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.WatchConfig(ctx, path, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(gw.metrics.ConfigRefreshErrors.WithLabelValues("file")) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Same(t, cfg, gw.GetConfig())
}
