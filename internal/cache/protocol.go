package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/internal/protocol"
)

const (
	// ProtocolName is the name clients send in the init request
	ProtocolName = "CacheService"
	// ProtocolVersion is the current version; SupportedVersion the oldest accepted
	ProtocolVersion  int32 = 1
	SupportedVersion int32 = 0
)

// Request types
const (
	OpEnsureCache = "ensureCache"
	OpGet         = "get"
	OpPut         = "put"
	OpPutIfAbsent = "putIfAbsent"
	OpRemove      = "remove"
	OpContainsKey = "containsKey"
	OpSize        = "size"
	OpIsEmpty     = "isEmpty"
	OpClear       = "clear"
	OpTruncate    = "truncate"
	OpKeys        = "keys"
	OpDestroy     = "destroy"
)

// Service is the CacheService protocol bound to one channel. Each
// ensureCache request opens a cache proxy identified by a channel-local id.
type Service struct {
	store  Store
	log    *zap.Logger
	events bool

	mu        sync.Mutex
	nextID    int32
	caches    map[int32]string
	destroyed map[int32]struct{}
}

var _ protocol.SubProtocol = (*Service)(nil)

// NewService creates a CacheService instance. When events is true the
// MapEvents protocol is declared as an extension at Init.
func NewService(store Store, log *zap.Logger, events bool) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		log:       log,
		events:    events,
		caches:    make(map[int32]string),
		destroyed: make(map[int32]struct{}),
	}
}

// Provider registers CacheService backed by store
func Provider(store Store, log *zap.Logger, events bool) protocol.Provider {
	return protocol.Provider{
		Name: ProtocolName,
		New:  func() protocol.SubProtocol { return NewService(store, log, events) },
	}
}

func (s *Service) Name() string               { return ProtocolName }
func (s *Service) Version() int32             { return ProtocolVersion }
func (s *Service) SupportedVersion() int32    { return SupportedVersion }
func (s *Service) RequestType() proto.Message { return &structpb.Struct{} }
func (s *Service) OnError(err error)          { s.log.Debug("Cache channel failed", zap.Error(err)) }
func (s *Service) Close() error               { return nil }

func (s *Service) Init(_ context.Context, params protocol.InitParams, _ protocol.ResponseSink) ([]string, error) {
	s.log = s.log.With(zap.String("remote_addr", params.RemoteAddr))
	if s.events {
		return []string{EventsProtocolName}, nil
	}
	return nil, nil
}

func (s *Service) OnRequest(ctx context.Context, msg proto.Message, sink protocol.ResponseSink) error {
	req, ok := msg.(*structpb.Struct)
	if !ok {
		return protocol.InvalidArgument(nil, "unexpected request type %T", msg)
	}
	f := req.GetFields()
	op := f["type"].GetStringValue()

	if op == OpEnsureCache {
		name := f["cache"].GetStringValue()
		if name == "" {
			return protocol.InvalidArgument(nil, "ensureCache requires a cache name")
		}
		return respond(sink, structpb.NewNumberValue(float64(s.ensure(name))))
	}

	id, err := cacheID(f)
	if err != nil {
		return err
	}
	cache, err := s.resolve(id)
	if err != nil {
		return err
	}

	switch op {
	case OpGet:
		key, err := requireKey(f)
		if err != nil {
			return err
		}
		v, _, err := s.store.Get(ctx, cache, key)
		if err != nil {
			return storeError(op, err)
		}
		return respond(sink, orNull(v))

	case OpPut:
		key, err := requireKey(f)
		if err != nil {
			return err
		}
		old, _, err := s.store.Put(ctx, cache, key, orNull(f["value"]))
		if err != nil {
			return storeError(op, err)
		}
		return respond(sink, orNull(old))

	case OpPutIfAbsent:
		key, err := requireKey(f)
		if err != nil {
			return err
		}
		existing, _, err := s.store.PutIfAbsent(ctx, cache, key, orNull(f["value"]))
		if err != nil {
			return storeError(op, err)
		}
		return respond(sink, orNull(existing))

	case OpRemove:
		key, err := requireKey(f)
		if err != nil {
			return err
		}
		old, _, err := s.store.Remove(ctx, cache, key)
		if err != nil {
			return storeError(op, err)
		}
		return respond(sink, orNull(old))

	case OpContainsKey:
		key, err := requireKey(f)
		if err != nil {
			return err
		}
		ok, err := s.store.ContainsKey(ctx, cache, key)
		if err != nil {
			return storeError(op, err)
		}
		return respond(sink, structpb.NewBoolValue(ok))

	case OpSize, OpIsEmpty:
		n, err := s.store.Size(ctx, cache)
		if err != nil {
			return storeError(op, err)
		}
		if op == OpIsEmpty {
			return respond(sink, structpb.NewBoolValue(n == 0))
		}
		return respond(sink, structpb.NewNumberValue(float64(n)))

	case OpClear:
		if err := s.store.Clear(ctx, cache); err != nil {
			return storeError(op, err)
		}
		return sink.Complete()

	case OpTruncate:
		if err := s.store.Truncate(ctx, cache); err != nil {
			return storeError(op, err)
		}
		return sink.Complete()

	case OpKeys:
		keys, err := s.store.Keys(ctx, cache)
		if err != nil {
			return storeError(op, err)
		}
		for _, k := range keys {
			if err := sink.Next(structpb.NewStringValue(k)); err != nil {
				return err
			}
		}
		return sink.Complete()

	case OpDestroy:
		if err := s.store.Destroy(ctx, cache); err != nil {
			return storeError(op, err)
		}
		s.destroy(id)
		return sink.Complete()
	}
	return protocol.Unsupported("unsupported cache request type %q", op)
}

// ensure opens a new cache proxy for name; ids are never reused on a channel
func (s *Service) ensure(name string) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.caches[s.nextID] = name
	return s.nextID
}

func (s *Service) resolve(id int32) (string, error) {
	if id == 0 {
		return "", protocol.Precondition("missing cache id, has an ensureCache request been sent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.destroyed[id]; ok {
		return "", protocol.Precondition("cache with id %d has been explicitly destroyed", id)
	}
	name, ok := s.caches[id]
	if !ok {
		return "", protocol.Precondition("no cache proxy exists for id %d", id)
	}
	return name, nil
}

func (s *Service) destroy(id int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.caches, id)
	s.destroyed[id] = struct{}{}
}

// Caches returns the number of open cache proxies
func (s *Service) Caches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caches)
}

// cacheID reads the cacheId field; an absent field yields 0
func cacheID(f map[string]*structpb.Value) (int32, error) {
	n := f["cacheId"].GetNumberValue()
	if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, protocol.InvalidArgument(nil, "cache id %v is not a valid id", n)
	}
	return int32(n), nil
}

func requireKey(f map[string]*structpb.Value) (string, error) {
	v, ok := f["key"]
	if !ok || v.GetStringValue() == "" {
		return "", protocol.InvalidArgument(nil, "request requires a key")
	}
	return v.GetStringValue(), nil
}

func respond(sink protocol.ResponseSink, v *structpb.Value) error {
	if err := sink.Next(v); err != nil {
		return err
	}
	return sink.Complete()
}

func orNull(v *structpb.Value) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	return v
}

func storeError(op string, err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("cache %s failed: %w", op, err)
}
