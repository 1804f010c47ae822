// Package tracker approximates the set of live client connections for metrics.
//
// gRPC exposes no per-connection close hook to a stream handler, so an entry
// is considered gone once it has been idle for longer than the TTL. Expired
// entries are removed during Register sweeps.
package tracker

import (
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxEntries    = 100000
	DefaultSweepInterval = time.Second
)

// Connection is one tracked remote address
type Connection struct {
	UID        uuid.UUID
	RemoteAddr string
	OpenedAt   time.Time

	lastSeen atomic.Int64
	requests atomic.Uint64
	now      func() time.Time
}

// Mark records activity on the connection
func (c *Connection) Mark() {
	c.lastSeen.Store(c.now().UnixNano())
	c.requests.Add(1)
}

// LastSeen returns the time of the most recent activity
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Requests returns how many times the connection has been marked
func (c *Connection) Requests() uint64 {
	return c.requests.Load()
}

// Options configures a Tracker
type Options struct {
	TTL        time.Duration
	MaxEntries int
	// SweepInterval throttles the expiry sweeps run by Register
	SweepInterval time.Duration
}

// Tracker is a bounded, TTL-expiring map of connections keyed by remote address.
// Uses sharded maps to reduce lock contention.
type Tracker struct {
	shards [16]*trackerShard
	opts   Options
	now    func() time.Time

	count     atomic.Int64
	lastSweep atomic.Int64
	evicted   atomic.Uint64
}

type trackerShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates a tracker. Zero options take the defaults.
func New(opts Options) *Tracker {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	t := &Tracker{opts: opts, now: time.Now}
	for i := range t.shards {
		t.shards[i] = &trackerShard{conns: make(map[string]*Connection)}
	}
	return t
}

func (t *Tracker) getShard(addr string) *trackerShard {
	return t.shards[crc32.ChecksumIEEE([]byte(addr))&0xF]
}

// Register returns the connection for addr, creating it on first sight, and
// marks it active. Expired entries are swept first when a sweep is due.
func (t *Tracker) Register(addr string) *Connection {
	now := t.now()
	if last := t.lastSweep.Load(); now.UnixNano()-last >= int64(t.opts.SweepInterval) &&
		t.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		t.sweep(now)
	}

	shard := t.getShard(addr)
	shard.mu.RLock()
	c, ok := shard.conns[addr]
	shard.mu.RUnlock()
	if ok {
		c.Mark()
		return c
	}

	if int(t.count.Load()) >= t.opts.MaxEntries {
		t.evictOldest()
	}

	shard.mu.Lock()
	if c, ok = shard.conns[addr]; !ok {
		c = &Connection{
			UID:        uuid.New(),
			RemoteAddr: addr,
			OpenedAt:   now,
			now:        t.now,
		}
		shard.conns[addr] = c
		t.count.Add(1)
	}
	shard.mu.Unlock()

	c.Mark()
	return c
}

// Get looks up a tracked connection without marking it
func (t *Tracker) Get(addr string) (*Connection, bool) {
	shard := t.getShard(addr)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	c, ok := shard.conns[addr]
	return c, ok
}

// Len returns the number of tracked connections
func (t *Tracker) Len() int {
	return int(t.count.Load())
}

// Evicted returns how many entries were dropped to honour MaxEntries
func (t *Tracker) Evicted() uint64 {
	return t.evicted.Load()
}

// Sweep removes every entry idle for longer than the TTL
func (t *Tracker) Sweep() int {
	now := t.now()
	t.lastSweep.Store(now.UnixNano())
	return t.sweep(now)
}

func (t *Tracker) sweep(now time.Time) int {
	cutoff := now.Add(-t.opts.TTL).UnixNano()
	removed := 0
	for _, shard := range t.shards {
		shard.mu.Lock()
		for addr, c := range shard.conns {
			if c.lastSeen.Load() < cutoff {
				delete(shard.conns, addr)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	t.count.Add(int64(-removed))
	return removed
}

func (t *Tracker) evictOldest() {
	var (
		oldest     *Connection
		oldestSeen int64
	)
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, c := range shard.conns {
			if seen := c.lastSeen.Load(); oldest == nil || seen < oldestSeen {
				oldest, oldestSeen = c, seen
			}
		}
		shard.mu.RUnlock()
	}
	if oldest == nil {
		return
	}

	shard := t.getShard(oldest.RemoteAddr)
	shard.mu.Lock()
	if shard.conns[oldest.RemoteAddr] == oldest {
		delete(shard.conns, oldest.RemoteAddr)
		t.count.Add(-1)
		t.evicted.Add(1)
	}
	shard.mu.Unlock()
}

// GetAll returns all tracked connections (for monitoring)
func (t *Tracker) GetAll() []*Connection {
	all := make([]*Connection, 0, t.Len())
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, c := range shard.conns {
			all = append(all, c)
		}
		shard.mu.RUnlock()
	}
	return all
}
