package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/logger"
)

const (
	DefaultIdleTimeout   = 60 * time.Second
	DefaultWatchInterval = time.Second
	DefaultQueueSize     = 4096
)

// Options configures a Pool
type Options struct {
	Name       string
	MinWorkers int
	MaxWorkers int
	// QueueSize bounds the backlog; a full queue runs the task on the caller
	QueueSize int
	// IdleTimeout retires workers above MinWorkers that stayed idle this long
	IdleTimeout time.Duration
	// HungThreshold marks a task running longer than this as hung (0 disables)
	HungThreshold time.Duration
	// TaskTimeout abandons the worker of a task running longer than this and
	// starts a replacement (0 disables)
	TaskTimeout   time.Duration
	WatchInterval time.Duration
}

// Stats is a point-in-time view of the pool counters
type Stats struct {
	Workers    int
	MinWorkers int
	MaxWorkers int
	Idle       int
	Backlog    int64
	Tasks      uint64
	ActiveTime time.Duration
	Timeouts   uint64
	// Hung and Abandoned are cumulative and survive ResetStats
	Hung       uint64
	Abandoned  uint64
	LastResize time.Time
	LastReset  time.Time
}

const (
	workerRunning int32 = iota
	workerAbandoned
	workerExited
)

type worker struct {
	id        uint64
	state     atomic.Int32
	startedAt atomic.Int64 // unix nanos of the current task, 0 when idle
	hung      atomic.Bool
}

// Pool is a dynamically sized worker pool. Workers are added while a backlog
// exists, up to MaxWorkers, and retire down to MinWorkers after IdleTimeout.
// Submit runs the task on the caller when the pool is not running.
type Pool struct {
	name  string
	opts  Options
	queue chan func()

	// stateMu orders Submit against Stop so no task is enqueued after the drain
	stateMu sync.RWMutex
	started bool
	stopped bool
	quit    chan struct{}

	mu         sync.Mutex
	minWorkers int
	maxWorkers int
	workers    map[*worker]struct{}
	nextID     uint64
	wg         sync.WaitGroup

	idle        atomic.Int32
	backlog     atomic.Int64
	tasks       atomic.Uint64
	activeNanos atomic.Int64
	timeouts    atomic.Uint64
	hung        atomic.Uint64
	abandoned   atomic.Uint64
	lastResize  atomic.Int64
	lastReset   atomic.Int64

	now func() time.Time
}

// New creates a pool; call Start to begin running tasks on workers
func New(opts Options) (*Pool, error) {
	if opts.MinWorkers < 0 || opts.MaxWorkers <= 0 || opts.MinWorkers > opts.MaxWorkers {
		return nil, fmt.Errorf("invalid worker bounds min=%d max=%d", opts.MinWorkers, opts.MaxWorkers)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = DefaultWatchInterval
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Pool{
		name:       opts.Name,
		opts:       opts,
		queue:      make(chan func(), opts.QueueSize),
		quit:       make(chan struct{}),
		minWorkers: opts.MinWorkers,
		maxWorkers: opts.MaxWorkers,
		workers:    make(map[*worker]struct{}),
		now:        time.Now,
	}, nil
}

// Start launches MinWorkers workers and the hang watchdog. It is a no-op on a
// running or stopped pool.
func (p *Pool) Start() {
	p.stateMu.Lock()
	if p.started || p.stopped {
		p.stateMu.Unlock()
		return
	}
	p.started = true
	p.stateMu.Unlock()

	p.mu.Lock()
	for len(p.workers) < p.minWorkers {
		p.spawnLocked()
	}
	p.mu.Unlock()

	if p.opts.HungThreshold > 0 || p.opts.TaskTimeout > 0 {
		go p.watch()
	}
	logger.L.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("min_workers", p.opts.MinWorkers),
		zap.Int("max_workers", p.opts.MaxWorkers))
}

// Stop stops the workers, then runs any task still queued on the caller.
// Workers abandoned by the watchdog are not waited for.
func (p *Pool) Stop() {
	p.stateMu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.stateMu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.stateMu.Unlock()

	p.wg.Wait()
	for {
		select {
		case task := <-p.queue:
			p.backlog.Add(-1)
			p.safeRun(task)
		default:
			logger.L.Info("Worker pool stopped", zap.String("pool", p.name))
			return
		}
	}
}

// Submit schedules task on a worker
func (p *Pool) Submit(task func()) {
	p.stateMu.RLock()
	if !p.started || p.stopped {
		p.stateMu.RUnlock()
		p.safeRun(task)
		return
	}

	p.backlog.Add(1)
	select {
	case p.queue <- task:
	default:
		p.stateMu.RUnlock()
		p.backlog.Add(-1)
		p.safeRun(task)
		return
	}
	p.stateMu.RUnlock()

	if p.backlog.Load() > int64(p.idle.Load()) {
		p.mu.Lock()
		if len(p.workers) < p.maxWorkers {
			p.spawnLocked()
		}
		p.mu.Unlock()
	}
}

// Resize changes the worker bounds. Workers above the new maximum retire
// once they finish their current task.
func (p *Pool) Resize(minWorkers, maxWorkers int) error {
	if minWorkers < 0 || maxWorkers <= 0 || minWorkers > maxWorkers {
		return fmt.Errorf("invalid worker bounds min=%d max=%d", minWorkers, maxWorkers)
	}

	p.stateMu.RLock()
	running := p.started && !p.stopped
	p.stateMu.RUnlock()

	p.mu.Lock()
	p.minWorkers = minWorkers
	p.maxWorkers = maxWorkers
	if running {
		for len(p.workers) < minWorkers {
			p.spawnLocked()
		}
	}
	p.mu.Unlock()

	p.lastResize.Store(p.now().UnixNano())
	logger.L.Info("Worker pool resized",
		zap.String("pool", p.name),
		zap.Int("min_workers", minWorkers),
		zap.Int("max_workers", maxWorkers))
	return nil
}

// Stats returns the current counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Workers:    len(p.workers),
		MinWorkers: p.minWorkers,
		MaxWorkers: p.maxWorkers,
	}
	p.mu.Unlock()

	s.Idle = int(p.idle.Load())
	s.Backlog = p.backlog.Load()
	s.Tasks = p.tasks.Load()
	s.ActiveTime = time.Duration(p.activeNanos.Load())
	s.Timeouts = p.timeouts.Load()
	s.Hung = p.hung.Load()
	s.Abandoned = p.abandoned.Load()
	if ns := p.lastResize.Load(); ns != 0 {
		s.LastResize = time.Unix(0, ns)
	}
	if ns := p.lastReset.Load(); ns != 0 {
		s.LastReset = time.Unix(0, ns)
	}
	return s
}

// ResetStats zeroes the task, active time and timeout counters.
// Worker bounds and the hung/abandoned counters are left untouched.
func (p *Pool) ResetStats() {
	p.tasks.Store(0)
	p.activeNanos.Store(0)
	p.timeouts.Store(0)
	p.lastReset.Store(p.now().UnixNano())
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := &worker{id: p.nextID}
	p.workers[w] = struct{}{}
	p.wg.Add(1)
	go p.runWorker(w)
}

// retire removes w when the pool is above its bounds; force ignores MinWorkers
func (p *Pool) retire(w *worker, force bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	if n > p.maxWorkers || (force && n > p.minWorkers) {
		delete(p.workers, w)
		return true
	}
	return false
}

func (p *Pool) runWorker(w *worker) {
	defer func() {
		if w.state.CompareAndSwap(workerRunning, workerExited) {
			p.wg.Done()
		}
	}()

	idle := time.NewTimer(p.opts.IdleTimeout)
	defer idle.Stop()

	for {
		p.idle.Add(1)
		select {
		case task := <-p.queue:
			p.idle.Add(-1)
			p.backlog.Add(-1)
			p.execute(w, task)
			if w.state.Load() == workerAbandoned || p.retire(w, false) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.opts.IdleTimeout)
		case <-idle.C:
			p.idle.Add(-1)
			if p.retire(w, true) {
				return
			}
			idle.Reset(p.opts.IdleTimeout)
		case <-p.quit:
			p.idle.Add(-1)
			p.mu.Lock()
			delete(p.workers, w)
			p.mu.Unlock()
			return
		}
	}
}

func (p *Pool) execute(w *worker, task func()) {
	start := p.now()
	w.startedAt.Store(start.UnixNano())
	defer func() {
		w.startedAt.Store(0)
		w.hung.Store(false)
		p.activeNanos.Add(int64(p.now().Sub(start)))
		p.tasks.Add(1)
	}()
	p.safeRun(task)
}

func (p *Pool) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("Worker pool task panicked",
				zap.String("pool", p.name),
				zap.Any("panic", r))
		}
	}()
	task()
}

// watch counts hung tasks and abandons workers stuck past TaskTimeout
func (p *Pool) watch() {
	ticker := time.NewTicker(p.opts.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.checkWorkers()
		}
	}
}

func (p *Pool) checkWorkers() {
	now := p.now().UnixNano()

	p.mu.Lock()
	defer p.mu.Unlock()

	for w := range p.workers {
		started := w.startedAt.Load()
		if started == 0 {
			continue
		}
		elapsed := time.Duration(now - started)

		if p.opts.HungThreshold > 0 && elapsed > p.opts.HungThreshold && w.hung.CompareAndSwap(false, true) {
			p.hung.Add(1)
			logger.L.Warn("Worker pool task appears hung",
				zap.String("pool", p.name),
				zap.Uint64("worker", w.id),
				zap.Duration("elapsed", elapsed))
		}

		if p.opts.TaskTimeout > 0 && elapsed > p.opts.TaskTimeout && w.state.CompareAndSwap(workerRunning, workerAbandoned) {
			delete(p.workers, w)
			p.wg.Done()
			p.timeouts.Add(1)
			p.abandoned.Add(1)
			logger.L.Warn("Worker pool abandoned worker after task timeout",
				zap.String("pool", p.name),
				zap.Uint64("worker", w.id),
				zap.Duration("elapsed", elapsed))
			if len(p.workers) < p.maxWorkers {
				p.spawnLocked()
			}
		}
	}
}
