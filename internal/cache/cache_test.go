package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/internal/protocol"
)

type recordingSink struct {
	mu       sync.Mutex
	messages []proto.Message
	complete bool
	err      error
}

func (s *recordingSink) Next(msg proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
	return nil
}

func (s *recordingSink) Error(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return nil
}

func (s *recordingSink) values() []*structpb.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*structpb.Value, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.(*structpb.Value))
	}
	return out
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	return s
}

func call(t *testing.T, svc *Service, fields map[string]any) (*recordingSink, error) {
	t.Helper()
	sink := &recordingSink{}
	err := svc.OnRequest(context.Background(), request(t, fields), sink)
	return sink, err
}

func ensure(t *testing.T, svc *Service, name string) float64 {
	t.Helper()
	sink, err := call(t, svc, map[string]any{"type": OpEnsureCache, "cache": name})
	require.NoError(t, err)
	require.True(t, sink.complete)
	return sink.values()[0].GetNumberValue()
}

func TestService_PutGetRemove(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	id := ensure(t, svc, "people")

	sink, err := call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": "a", "value": "one"})
	require.NoError(t, err)
	assert.IsType(t, &structpb.Value_NullValue{}, sink.values()[0].GetKind(), "first put has no previous value")

	sink, err = call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": "a", "value": "two"})
	require.NoError(t, err)
	assert.Equal(t, "one", sink.values()[0].GetStringValue())

	sink, err = call(t, svc, map[string]any{"type": OpGet, "cacheId": id, "key": "a"})
	require.NoError(t, err)
	assert.Equal(t, "two", sink.values()[0].GetStringValue())

	sink, err = call(t, svc, map[string]any{"type": OpContainsKey, "cacheId": id, "key": "a"})
	require.NoError(t, err)
	assert.True(t, sink.values()[0].GetBoolValue())

	sink, err = call(t, svc, map[string]any{"type": OpRemove, "cacheId": id, "key": "a"})
	require.NoError(t, err)
	assert.Equal(t, "two", sink.values()[0].GetStringValue())

	sink, err = call(t, svc, map[string]any{"type": OpIsEmpty, "cacheId": id})
	require.NoError(t, err)
	assert.True(t, sink.values()[0].GetBoolValue())
}

func TestService_PutIfAbsent(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	id := ensure(t, svc, "c")

	sink, err := call(t, svc, map[string]any{"type": OpPutIfAbsent, "cacheId": id, "key": "k", "value": 1.0})
	require.NoError(t, err)
	assert.IsType(t, &structpb.Value_NullValue{}, sink.values()[0].GetKind())

	sink, err = call(t, svc, map[string]any{"type": OpPutIfAbsent, "cacheId": id, "key": "k", "value": 2.0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sink.values()[0].GetNumberValue())

	sink, err = call(t, svc, map[string]any{"type": OpSize, "cacheId": id})
	require.NoError(t, err)
	assert.Equal(t, 1.0, sink.values()[0].GetNumberValue())
}

func TestService_CacheIDErrors(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)

	_, err := call(t, svc, map[string]any{"type": OpGet, "key": "a"})
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, protocol.CodeOf(err))
	assert.Contains(t, err.Error(), "missing cache id, has an ensureCache request been sent")

	_, err = call(t, svc, map[string]any{"type": OpGet, "cacheId": 42, "key": "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cache proxy exists for id 42")

	id := ensure(t, svc, "c")
	sink, err := call(t, svc, map[string]any{"type": OpDestroy, "cacheId": id})
	require.NoError(t, err)
	assert.True(t, sink.complete)

	_, err = call(t, svc, map[string]any{"type": OpGet, "cacheId": id, "key": "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has been explicitly destroyed")
	assert.Zero(t, svc.Caches())
}

func TestService_RejectsMalformedCacheID(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	id := ensure(t, svc, "c")
	require.Equal(t, 1.0, id)

	for _, bad := range []float64{4294967297, 1.5, -2147483649} {
		_, err := call(t, svc, map[string]any{"type": OpGet, "cacheId": bad, "key": "a"})
		assert.Equal(t, codes.InvalidArgument, protocol.CodeOf(err), "cache id %v", bad)
	}

	_, err := call(t, svc, map[string]any{"type": OpGet, "cacheId": id, "key": "a"})
	assert.NoError(t, err)
}

func TestService_EnsureCacheIssuesFreshIDs(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	a := ensure(t, svc, "c")
	b := ensure(t, svc, "c")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, svc.Caches())
}

func TestService_KeysStreamsInOrder(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	id := ensure(t, svc, "c")
	for _, k := range []string{"c", "a", "b"} {
		_, err := call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": k, "value": k})
		require.NoError(t, err)
	}

	sink, err := call(t, svc, map[string]any{"type": OpKeys, "cacheId": id})
	require.NoError(t, err)
	require.True(t, sink.complete)

	var keys []string
	for _, v := range sink.values() {
		keys = append(keys, v.GetStringValue())
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestService_RequestValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, false)
	id := ensure(t, svc, "c")

	_, err := call(t, svc, map[string]any{"type": OpGet, "cacheId": id})
	assert.Equal(t, codes.InvalidArgument, protocol.CodeOf(err))

	_, err = call(t, svc, map[string]any{"type": "invoke", "cacheId": id})
	assert.Equal(t, codes.Unimplemented, protocol.CodeOf(err))

	_, err = call(t, svc, map[string]any{"type": OpEnsureCache})
	assert.Equal(t, codes.InvalidArgument, protocol.CodeOf(err))
}

func TestService_InitDeclaresEvents(t *testing.T) {
	exts, err := NewService(NewMemoryStore(), nil, true).Init(context.Background(), protocol.InitParams{}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventsProtocolName}, exts)

	exts, err = NewService(NewMemoryStore(), nil, false).Init(context.Background(), protocol.InitParams{}, &recordingSink{})
	require.NoError(t, err)
	assert.Empty(t, exts)
}

func TestEvents_ListenAndUnlisten(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil, true)
	events := NewEvents(store, nil)
	pushed := &recordingSink{}
	_, err := events.Init(context.Background(), protocol.InitParams{}, pushed)
	require.NoError(t, err)

	ack := &recordingSink{}
	require.NoError(t, events.OnRequest(context.Background(), request(t, map[string]any{"type": OpListen, "cache": "c"}), ack))
	assert.True(t, ack.complete)
	assert.True(t, events.Listening("c"))

	id := ensure(t, svc, "c")
	_, err = call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": "k", "value": "v1"})
	require.NoError(t, err)
	_, err = call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": "k", "value": "v2"})
	require.NoError(t, err)
	_, err = call(t, svc, map[string]any{"type": OpTruncate, "cacheId": id})
	require.NoError(t, err)

	pushed.mu.Lock()
	got := make([]Event, 0, len(pushed.messages))
	for _, m := range pushed.messages {
		got = append(got, EventFromStruct(m.(*structpb.Struct)))
	}
	pushed.mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, EventInserted, got[0].Type)
	assert.Equal(t, "v1", got[0].New.GetStringValue())
	assert.Equal(t, EventUpdated, got[1].Type)
	assert.Equal(t, "v1", got[1].Old.GetStringValue())
	assert.Equal(t, EventTruncated, got[2].Type)

	require.NoError(t, events.OnRequest(context.Background(), request(t, map[string]any{"type": OpUnlisten, "cache": "c"}), &recordingSink{}))
	_, err = call(t, svc, map[string]any{"type": OpPut, "cacheId": id, "key": "x", "value": "y"})
	require.NoError(t, err)
	pushed.mu.Lock()
	assert.Len(t, pushed.messages, 3)
	pushed.mu.Unlock()
}

func TestEvents_CloseCancelsSubscriptions(t *testing.T) {
	store := NewMemoryStore()
	events := NewEvents(store, nil)
	_, err := events.Init(context.Background(), protocol.InitParams{}, &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, events.OnRequest(context.Background(), request(t, map[string]any{"type": OpListen, "cache": "c"}), &recordingSink{}))
	assert.Equal(t, 1, store.events.Subscribers("c"))

	require.NoError(t, events.Close())
	assert.Zero(t, store.events.Subscribers("c"))
	assert.False(t, events.Listening("c"))
}

func TestEvents_ListenAfterCloseSubscribesNothing(t *testing.T) {
	store := NewMemoryStore()
	events := NewEvents(store, nil)
	_, err := events.Init(context.Background(), protocol.InitParams{}, &recordingSink{})
	require.NoError(t, err)
	require.NoError(t, events.Close())

	err = events.OnRequest(context.Background(), request(t, map[string]any{"type": OpListen, "cache": "c"}), &recordingSink{})
	assert.Equal(t, codes.FailedPrecondition, protocol.CodeOf(err))
	assert.Zero(t, store.events.Subscribers("c"))
}

func TestMemoryStore_ClearRaisesDeletes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	var got []Event
	cancel := store.Subscribe("c", func(ev Event) { got = append(got, ev) })
	defer cancel()

	_, _, err := store.Put(ctx, "c", "b", structpb.NewStringValue("2"))
	require.NoError(t, err)
	_, _, err = store.Put(ctx, "c", "a", structpb.NewStringValue("1"))
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx, "c"))

	require.Len(t, got, 4)
	assert.Equal(t, EventDeleted, got[2].Type)
	assert.Equal(t, "a", got[2].Key)
	assert.Equal(t, "b", got[3].Key)

	n, err := store.Size(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEvent_StructRoundTrip(t *testing.T) {
	ev := Event{Cache: "c", Type: EventUpdated, Key: "k", Old: structpb.NewNumberValue(1), New: structpb.NewNumberValue(2)}
	back := EventFromStruct(ev.Struct())
	assert.Equal(t, ev.Cache, back.Cache)
	assert.Equal(t, ev.Type, back.Type)
	assert.Equal(t, ev.Key, back.Key)
	assert.True(t, proto.Equal(ev.Old, back.Old))
	assert.True(t, proto.Equal(ev.New, back.New))
}
