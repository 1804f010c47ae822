package cache

import "sync"

// Broadcaster fans cache events out to per-cache subscribers.
// Subscribers are called synchronously on the publishing goroutine.
type Broadcaster struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func(Event)
}

// NewBroadcaster creates a broadcaster with no subscribers
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[uint64]func(Event))}
}

// Subscribe registers fn for events on cache
func (b *Broadcaster) Subscribe(cache string, fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[cache] == nil {
		b.subs[cache] = make(map[uint64]func(Event))
	}
	b.subs[cache][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[cache], id)
			if len(b.subs[cache]) == 0 {
				delete(b.subs, cache)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to the subscribers of ev.Cache
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs[ev.Cache]))
	for _, fn := range b.subs[ev.Cache] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribers returns the number of subscribers on cache
func (b *Broadcaster) Subscribers(cache string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[cache])
}
