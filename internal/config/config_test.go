package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":1408", cfg.GRPC.ListenAddr)
	assert.Equal(t, DispatchAsync, cfg.Server.Dispatch)
	assert.Equal(t, StoreMemory, cfg.Cache.Store)
	assert.Equal(t, 5*time.Minute, cfg.Tracker.TTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Metrics.SnapshotInterval)
	assert.Equal(t, 64, cfg.WorkerPool.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.GracefulShutdownTimeout)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
grpc:
  listen_addr: "127.0.0.1:7000"
server:
  dispatch: sync
  max_inflight_requests: 16
worker_pool:
  min_workers: 2
  max_workers: 4
tracker:
  ttl: 1m
cache:
  store: redis
  events: true
redis:
  addr: "redis:6379"
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.GRPC.ListenAddr)
	assert.Equal(t, DispatchSync, cfg.Server.Dispatch)
	assert.Equal(t, int64(16), cfg.Server.MaxInflightRequests)
	assert.Equal(t, 2, cfg.WorkerPool.MinWorkers)
	assert.Equal(t, time.Minute, cfg.Tracker.TTL)
	assert.True(t, cfg.Cache.Events)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"dispatch", "server: {dispatch: parallel}", "server.dispatch"},
		{"pool bounds", "worker_pool: {min_workers: 8, max_workers: 4}", "worker_pool.max_workers"},
		{"store", "cache: {store: disk}", "cache.store"},
		{"sample ratio", "tracing: {sample_ratio: 2}", "tracing.sample_ratio"},
		{"port", "server: {health_check_port: 70000}", "server.health_check_port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestHotReload_AppliesChangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_pool: {max_workers: 4}"), 0o600))

	var applied []*Config
	h := NewHotReloadManager(Default(), func(c *Config) error {
		applied = append(applied, c)
		return nil
	}, nil)

	require.NoError(t, h.reloadFile(path))
	require.NoError(t, h.reloadFile(path))
	require.Len(t, applied, 1, "unchanged file is not reapplied")
	assert.Equal(t, 4, h.GetConfig().WorkerPool.MaxWorkers)

	require.NoError(t, os.WriteFile(path, []byte("worker_pool: {max_workers: 8}"), 0o600))
	require.NoError(t, h.reloadFile(path))
	require.Len(t, applied, 2)
	assert.Equal(t, 8, h.GetConfig().WorkerPool.MaxWorkers)
}

func TestHotReload_KeepsConfigOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: {store: disk}"), 0o600))

	initial := Default()
	h := NewHotReloadManager(initial, nil, nil)
	require.Error(t, h.reloadFile(path))
	assert.Same(t, initial, h.GetConfig())

	rejected := errors.New("rejected")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	h = NewHotReloadManager(initial, func(*Config) error { return rejected }, nil)
	assert.ErrorIs(t, h.reloadFile(path), rejected)
	assert.Same(t, initial, h.GetConfig())
}
