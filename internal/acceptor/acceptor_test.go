package acceptor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/SkynetNext/grid-gateway/api"
)

type fakeService struct {
	name    string
	closed  atomic.Int32
	onClose func()
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Register(gs *grpc.Server) {
	api.RegisterProxyServiceServer(gs, s)
}

func (s *fakeService) Close() error {
	s.closed.Add(1)
	if s.onClose != nil {
		s.onClose()
	}
	return errors.New("close failures are logged only")
}

func (s *fakeService) SubChannel(stream api.SubChannelServer) error {
	<-stream.Context().Done()
	return nil
}

type harness struct {
	mu         sync.Mutex
	lis        *bufconn.Listener
	discovered atomic.Int32
	services   []*fakeService
	listenErr  error
	onClose    func()
}

func (h *harness) listen() (net.Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listenErr != nil {
		return nil, h.listenErr
	}
	h.lis = bufconn.Listen(1 << 20)
	return h.lis, nil
}

func (h *harness) discover(context.Context) ([]BindableService, error) {
	h.discovered.Add(1)
	svc := &fakeService{name: api.ServiceName, onClose: h.onClose}
	h.mu.Lock()
	h.services = append(h.services, svc)
	h.mu.Unlock()
	return []BindableService{svc}, nil
}

func (h *harness) dial(t *testing.T) *grpc.ClientConn {
	t.Helper()
	h.mu.Lock()
	lis := h.lis
	h.mu.Unlock()
	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func newController(h *harness) *Controller {
	return New(Options{Listen: h.listen, StopTimeout: time.Second}, h.discover)
}

func TestController_StartStopIdempotent(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()

	require.NoError(t, c.Stop(ctx), "stop before start")
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, int32(1), h.discovered.Load())
	assert.Len(t, c.Services(), 1)

	require.NoError(t, c.Stop(ctx), "close errors are not propagated")
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, c.Services())
	assert.Equal(t, int32(1), h.services[0].closed.Load())
}

func TestController_RestartRediscovers(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	first := c.Services()[0]
	require.NoError(t, c.Stop(ctx))

	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)
	second := c.Services()[0]

	assert.Equal(t, int32(2), h.discovered.Load())
	assert.NotSame(t, first, second)
}

func TestController_ConcurrentStart(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Start(ctx))
		}()
	}
	wg.Wait()
	defer c.Stop(ctx)

	assert.Equal(t, int32(1), h.discovered.Load())
	assert.True(t, c.Running())
}

func TestController_HealthServing(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)

	client := healthpb.NewHealthClient(h.dial(t))
	for _, name := range []string{"", api.ServiceName} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: name})
		require.NoError(t, err, "service %q", name)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
	}
}

func TestController_ListenFailureLeavesStopped(t *testing.T) {
	h := &harness{listenErr: errors.New("address in use")}
	c := newController(h)
	ctx := context.Background()

	err := c.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, c.Services())
	assert.Equal(t, int32(1), h.services[0].closed.Load())

	h.mu.Lock()
	h.listenErr = nil
	h.mu.Unlock()
	require.NoError(t, c.Start(ctx))
	defer c.Stop(ctx)
	assert.Equal(t, int32(2), h.discovered.Load())
}

func TestController_DiscoverFailure(t *testing.T) {
	c := New(Options{Listen: (&harness{}).listen}, func(context.Context) ([]BindableService, error) {
		return nil, errors.New("no providers")
	})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, c.State())

	c = New(Options{Listen: (&harness{}).listen}, func(context.Context) ([]BindableService, error) {
		return nil, nil
	})
	assert.Error(t, c.Start(context.Background()))
}

func TestController_StopClosesServicesUnlocked(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()

	var during []State
	h.onClose = func() {
		// both take the controller lock
		during = append(during, c.State())
		_ = c.Services()
		_ = c.Addr()
	}
	require.NoError(t, c.Start(ctx))

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(ctx) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked while a service was closing")
	}
	assert.Equal(t, []State{StateStopping}, during)
	assert.Equal(t, StateStopped, c.State())
}

func TestController_ConcurrentStopWaits(t *testing.T) {
	h := &harness{}
	c := newController(h)
	ctx := context.Background()

	release := make(chan struct{})
	closing := make(chan struct{})
	h.onClose = func() {
		close(closing)
		<-release
	}
	require.NoError(t, c.Start(ctx))

	first := make(chan error, 1)
	go func() { first <- c.Stop(ctx) }()
	<-closing

	second := make(chan error, 1)
	go func() { second <- c.Stop(ctx) }()
	select {
	case <-second:
		t.Fatal("second Stop returned before the first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	assert.Equal(t, StateStopped, c.State())

	h.onClose = nil
	require.NoError(t, c.Start(ctx), "restart after stop")
	defer c.Stop(ctx)
	assert.Equal(t, int32(2), h.discovered.Load())
}
