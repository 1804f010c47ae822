// Package cache implements the CacheService and MapEvents protocols on top of
// a pluggable Store.
package cache

import (
	"context"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventType classifies a cache event
type EventType string

const (
	EventInserted  EventType = "inserted"
	EventUpdated   EventType = "updated"
	EventDeleted   EventType = "deleted"
	EventTruncated EventType = "truncated"
	EventDestroyed EventType = "destroyed"
)

// Event describes a change to one cache. Key, Old and New are unset for
// truncate and destroy.
type Event struct {
	Cache string
	Type  EventType
	Key   string
	Old   *structpb.Value
	New   *structpb.Value
}

// Struct renders the event as the message pushed to listeners
func (e Event) Struct() *structpb.Struct {
	s := &structpb.Struct{Fields: map[string]*structpb.Value{
		"cache": structpb.NewStringValue(e.Cache),
		"type":  structpb.NewStringValue(string(e.Type)),
	}}
	if e.Key != "" {
		s.Fields["key"] = structpb.NewStringValue(e.Key)
	}
	if e.Old != nil {
		s.Fields["oldValue"] = e.Old
	}
	if e.New != nil {
		s.Fields["newValue"] = e.New
	}
	return s
}

// EventFromStruct is the inverse of Event.Struct
func EventFromStruct(s *structpb.Struct) Event {
	f := s.GetFields()
	return Event{
		Cache: f["cache"].GetStringValue(),
		Type:  EventType(f["type"].GetStringValue()),
		Key:   f["key"].GetStringValue(),
		Old:   f["oldValue"],
		New:   f["newValue"],
	}
}

// Store holds the cache contents shared by every channel
type Store interface {
	Get(ctx context.Context, cache, key string) (*structpb.Value, bool, error)
	// Put returns the previous value, if any
	Put(ctx context.Context, cache, key string, value *structpb.Value) (*structpb.Value, bool, error)
	// PutIfAbsent stores value only when key is missing and returns the
	// existing value otherwise
	PutIfAbsent(ctx context.Context, cache, key string, value *structpb.Value) (*structpb.Value, bool, error)
	Remove(ctx context.Context, cache, key string) (*structpb.Value, bool, error)
	ContainsKey(ctx context.Context, cache, key string) (bool, error)
	Size(ctx context.Context, cache string) (int, error)
	// Clear removes every entry, raising a delete event per entry
	Clear(ctx context.Context, cache string) error
	// Truncate removes every entry, raising a single truncate event
	Truncate(ctx context.Context, cache string) error
	// Keys returns the keys in sorted order
	Keys(ctx context.Context, cache string) ([]string, error)
	// Destroy removes the cache and raises a destroy event
	Destroy(ctx context.Context, cache string) error
	// Subscribe calls fn for every event on cache until cancel is called
	Subscribe(cache string, fn func(Event)) (cancel func())
	Close() error
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu     sync.RWMutex
	caches map[string]map[string]*structpb.Value

	events *Broadcaster
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		caches: make(map[string]map[string]*structpb.Value),
		events: NewBroadcaster(),
	}
}

func (s *MemoryStore) Get(_ context.Context, cache, key string) (*structpb.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.caches[cache][key]
	return clone(v), ok, nil
}

func (s *MemoryStore) Put(_ context.Context, cache, key string, value *structpb.Value) (*structpb.Value, bool, error) {
	s.mu.Lock()
	m := s.ensure(cache)
	old, ok := m[key]
	m[key] = clone(value)
	s.mu.Unlock()

	ev := Event{Cache: cache, Type: EventInserted, Key: key, New: value}
	if ok {
		ev.Type, ev.Old = EventUpdated, old
	}
	s.events.Publish(ev)
	return old, ok, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, cache, key string, value *structpb.Value) (*structpb.Value, bool, error) {
	s.mu.Lock()
	m := s.ensure(cache)
	if old, ok := m[key]; ok {
		s.mu.Unlock()
		return clone(old), true, nil
	}
	m[key] = clone(value)
	s.mu.Unlock()

	s.events.Publish(Event{Cache: cache, Type: EventInserted, Key: key, New: value})
	return nil, false, nil
}

func (s *MemoryStore) Remove(_ context.Context, cache, key string) (*structpb.Value, bool, error) {
	s.mu.Lock()
	old, ok := s.caches[cache][key]
	if ok {
		delete(s.caches[cache], key)
	}
	s.mu.Unlock()

	if ok {
		s.events.Publish(Event{Cache: cache, Type: EventDeleted, Key: key, Old: old})
	}
	return old, ok, nil
}

func (s *MemoryStore) ContainsKey(_ context.Context, cache, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caches[cache][key]
	return ok, nil
}

func (s *MemoryStore) Size(_ context.Context, cache string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caches[cache]), nil
}

func (s *MemoryStore) Clear(_ context.Context, cache string) error {
	s.mu.Lock()
	removed := s.caches[cache]
	if removed != nil {
		s.caches[cache] = make(map[string]*structpb.Value)
	}
	s.mu.Unlock()

	for _, k := range sortedKeys(removed) {
		s.events.Publish(Event{Cache: cache, Type: EventDeleted, Key: k, Old: removed[k]})
	}
	return nil
}

func (s *MemoryStore) Truncate(_ context.Context, cache string) error {
	s.mu.Lock()
	if _, ok := s.caches[cache]; ok {
		s.caches[cache] = make(map[string]*structpb.Value)
	}
	s.mu.Unlock()

	s.events.Publish(Event{Cache: cache, Type: EventTruncated})
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, cache string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.caches[cache]), nil
}

func (s *MemoryStore) Destroy(_ context.Context, cache string) error {
	s.mu.Lock()
	delete(s.caches, cache)
	s.mu.Unlock()

	s.events.Publish(Event{Cache: cache, Type: EventDestroyed})
	return nil
}

func (s *MemoryStore) Subscribe(cache string, fn func(Event)) func() {
	return s.events.Subscribe(cache, fn)
}

func (s *MemoryStore) Close() error {
	return nil
}

// ensure returns the map for cache; s.mu is held for writing
func (s *MemoryStore) ensure(cache string) map[string]*structpb.Value {
	m, ok := s.caches[cache]
	if !ok {
		m = make(map[string]*structpb.Value)
		s.caches[cache] = m
	}
	return m
}

func clone(v *structpb.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	return proto.Clone(v).(*structpb.Value)
}

func sortedKeys(m map[string]*structpb.Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
