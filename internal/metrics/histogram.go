package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
)

const (
	DefaultSampleSize      = 1028
	DefaultRefreshInterval = 250 * time.Millisecond
)

// Snapshot is a point-in-time summary of a Histogram's samples
type Snapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P75   time.Duration
	P95   time.Duration
	P99   time.Duration
	P999  time.Duration
	// At is when the snapshot was computed
	At time.Time
}

// Histogram keeps the most recent samples in a ring. Observe never blocks;
// Snapshot recomputes percentiles at most once per refresh interval and
// otherwise returns the cached snapshot.
type Histogram struct {
	samples []atomic.Int64
	next    atomic.Uint64
	total   atomic.Uint64

	refresh time.Duration
	now     func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewHistogram creates a histogram keeping size samples
func NewHistogram(size int, refresh time.Duration) *Histogram {
	if size <= 0 {
		size = DefaultSampleSize
	}
	return &Histogram{
		samples: make([]atomic.Int64, size),
		refresh: refresh,
		now:     time.Now,
	}
}

// Observe records one sample
func (h *Histogram) Observe(d time.Duration) {
	i := h.next.Add(1) - 1
	h.samples[i%uint64(len(h.samples))].Store(int64(d))
	h.total.Add(1)
}

// Count returns the number of samples observed since creation
func (h *Histogram) Count() uint64 {
	return h.total.Load()
}

// Snapshot returns the cached snapshot when it is younger than the refresh
// interval; otherwise it recomputes it. Concurrent callers within one interval
// share a single recomputation.
func (h *Histogram) Snapshot() *Snapshot {
	if s := h.fresh(); s != nil {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.fresh(); s != nil {
		return s
	}
	s := h.compute()
	h.snap.Store(s)
	return s
}

func (h *Histogram) fresh() *Snapshot {
	s := h.snap.Load()
	if s != nil && h.now().Sub(s.At) < h.refresh {
		return s
	}
	return nil
}

func (h *Histogram) compute() *Snapshot {
	s := &Snapshot{At: h.now()}

	n := h.total.Load()
	if n > uint64(len(h.samples)) {
		n = uint64(len(h.samples))
	}
	if n == 0 {
		return s
	}
	data := make(stats.Float64Data, n)
	for i := range data {
		data[i] = float64(h.samples[i].Load())
	}

	s.Count = len(data)
	s.Min = duration(data.Min())
	s.Max = duration(data.Max())
	s.Mean = duration(data.Mean())
	s.P50 = duration(data.Percentile(50))
	s.P75 = duration(data.Percentile(75))
	s.P95 = duration(data.Percentile(95))
	s.P99 = duration(data.Percentile(99))
	s.P999 = duration(data.Percentile(99.9))
	return s
}

func duration(v float64, err error) time.Duration {
	if err != nil {
		return 0
	}
	return time.Duration(v)
}
