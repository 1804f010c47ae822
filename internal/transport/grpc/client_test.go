package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/cache"
	"github.com/SkynetNext/grid-gateway/internal/channel"
	"github.com/SkynetNext/grid-gateway/internal/identity"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	"github.com/SkynetNext/grid-gateway/internal/protocol"
	"github.com/SkynetNext/grid-gateway/internal/tracker"
)

func newTestClient(t *testing.T) (*Client, *grpc.Server) {
	t.Helper()
	store := cache.NewMemoryStore()
	svc := channel.NewService(&channel.Config{
		Registry: protocol.NewRegistry(
			cache.Provider(store, nil, true),
			cache.EventsProvider(store, nil),
		),
		Metrics: metrics.New(prometheus.NewRegistry(), metrics.Options{}),
		Tracker: tracker.New(tracker.Options{}),
		UIDs:    identity.NewGenerator(),
	})
	gs := grpc.NewServer(grpc.ForceServerCodec(api.Codec{}))
	svc.Register(gs)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := Dial(context.Background(), "bufnet", Options{
		Name: "test",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, gs
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func value(t *testing.T, body *anypb.Any) *structpb.Value {
	t.Helper()
	var v structpb.Value
	require.NoError(t, body.UnmarshalTo(&v))
	return &v
}

func TestSession_CacheRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan cache.Event, 4)
	session, err := client.Open(ctx, func(proxyID int32, body *anypb.Any) {
		var s structpb.Struct
		if body.UnmarshalTo(&s) == nil {
			events <- cache.EventFromStruct(&s)
		}
	})
	require.NoError(t, err)

	resp, err := session.Init(ctx, &api.InitRequest{Protocol: cache.ProtocolName, ProtocolVersion: 1})
	require.NoError(t, err)
	require.Len(t, resp.Extensions, 1)
	eventsProxy := resp.Extensions[0].ProxyID

	require.NoError(t, session.Heartbeat(ctx))

	_, err = session.Call(ctx, eventsProxy, request(t, map[string]any{"type": cache.OpListen, "cache": "people"}))
	require.NoError(t, err)

	bodies, err := session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpEnsureCache, "cache": "people"}))
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	id := value(t, bodies[0]).GetNumberValue()

	_, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpPut, "cacheId": id, "key": "ada", "value": 1815}))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, cache.EventInserted, ev.Type)
		assert.Equal(t, "ada", ev.Key)
	case <-ctx.Done():
		t.Fatal("no insert event")
	}

	bodies, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpGet, "cacheId": id, "key": "ada"}))
	require.NoError(t, err)
	require.Len(t, bodies, 1)
	assert.Equal(t, 1815.0, value(t, bodies[0]).GetNumberValue())

	_, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpGet, "cacheId": 99, "key": "ada"}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	require.NoError(t, session.Close())
	_, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpSize, "cacheId": id}))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_ConcurrentCalls(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.Open(ctx, nil)
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Init(ctx, &api.InitRequest{Protocol: cache.ProtocolName, ProtocolVersion: 1})
	require.NoError(t, err)
	bodies, err := session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpEnsureCache, "cache": "counters"}))
	require.NoError(t, err)
	id := value(t, bodies[0]).GetNumberValue()

	errs := make(chan error, 32)
	for i := 0; i < cap(errs); i++ {
		go func(i int) {
			_, err := session.Call(ctx, api.RootProxyID, request(t, map[string]any{
				"type": cache.OpPut, "cacheId": id, "key": string(rune('a' + i%26)), "value": i,
			}))
			errs <- err
		}(i)
	}
	for i := 0; i < cap(errs); i++ {
		require.NoError(t, <-errs)
	}

	bodies, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpSize, "cacheId": id}))
	require.NoError(t, err)
	assert.Equal(t, 26.0, value(t, bodies[0]).GetNumberValue())
}

func TestSession_InitFailureThenServerStop(t *testing.T) {
	client, gs := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.Open(ctx, nil)
	require.NoError(t, err)

	_, err = session.Init(ctx, &api.InitRequest{Protocol: "NoSuchService", ProtocolVersion: 1})
	require.Error(t, err)

	_, err = session.Call(ctx, api.RootProxyID, request(t, map[string]any{"type": cache.OpSize}))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "failed init leaves the channel unusable")

	gs.Stop()
	select {
	case <-session.Done():
	case <-ctx.Done():
		t.Fatal("session did not end")
	}
	assert.Error(t, session.Err())
	assert.ErrorIs(t, session.Heartbeat(ctx), ErrSessionClosed)
}
