package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/internal/protocol"
)

const (
	// EventsProtocolName is the extension CacheService declares for events
	EventsProtocolName = "MapEvents"
	// EventsVersion is the only MapEvents version
	EventsVersion int32 = 1
)

// Event request types
const (
	OpListen   = "listen"
	OpUnlisten = "unlisten"
)

// Events pushes cache events to the client. Events are sent on the sink
// handed to Init, so they carry the init request id and the sub-channel's
// proxy id.
type Events struct {
	store Store
	log   *zap.Logger

	mu        sync.Mutex
	sink      protocol.ResponseSink
	listeners map[string]func()
	closed    bool
}

var _ protocol.SubProtocol = (*Events)(nil)

// NewEvents creates a MapEvents instance
func NewEvents(store Store, log *zap.Logger) *Events {
	if log == nil {
		log = zap.NewNop()
	}
	return &Events{store: store, log: log, listeners: make(map[string]func())}
}

// EventsProvider registers MapEvents backed by store
func EventsProvider(store Store, log *zap.Logger) protocol.Provider {
	return protocol.Provider{
		Name: EventsProtocolName,
		New:  func() protocol.SubProtocol { return NewEvents(store, log) },
	}
}

func (e *Events) Name() string               { return EventsProtocolName }
func (e *Events) Version() int32             { return EventsVersion }
func (e *Events) SupportedVersion() int32    { return EventsVersion }
func (e *Events) RequestType() proto.Message { return &structpb.Struct{} }

func (e *Events) Init(_ context.Context, _ protocol.InitParams, sink protocol.ResponseSink) ([]string, error) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	return nil, nil
}

func (e *Events) OnRequest(_ context.Context, msg proto.Message, sink protocol.ResponseSink) error {
	req, ok := msg.(*structpb.Struct)
	if !ok {
		return protocol.InvalidArgument(nil, "unexpected request type %T", msg)
	}
	f := req.GetFields()
	cache := f["cache"].GetStringValue()
	if cache == "" {
		return protocol.InvalidArgument(nil, "event request requires a cache name")
	}

	switch op := f["type"].GetStringValue(); op {
	case OpListen:
		if err := e.listen(cache); err != nil {
			return err
		}
	case OpUnlisten:
		e.unlisten(cache)
	default:
		return protocol.Unsupported("unsupported event request type %q", op)
	}
	return sink.Complete()
}

func (e *Events) listen(cache string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return protocol.Precondition("event channel is closed")
	}
	if _, ok := e.listeners[cache]; !ok {
		e.listeners[cache] = e.store.Subscribe(cache, e.push)
	}
	return nil
}

func (e *Events) unlisten(cache string) {
	e.mu.Lock()
	cancel := e.listeners[cache]
	delete(e.listeners, cache)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Events) push(ev Event) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.Next(ev.Struct()); err != nil {
		e.log.Debug("Dropping cache event", zap.String("cache", ev.Cache), zap.Error(err))
	}
}

// Listening reports whether the client listens to cache
func (e *Events) Listening(cache string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.listeners[cache]
	return ok
}

func (e *Events) OnError(err error) {
	e.log.Debug("Event channel failed", zap.Error(err))
}

func (e *Events) Close() error {
	e.mu.Lock()
	e.closed = true
	listeners := e.listeners
	e.listeners = make(map[string]func())
	e.sink = nil
	e.mu.Unlock()

	for _, cancel := range listeners {
		cancel()
	}
	return nil
}
