package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grid_gateway"

// Metrics holds the gateway's collectors. One instance is created per process
// and injected into the components that record into it.
type Metrics struct {
	factory promauto.Factory

	// Channel metrics
	ActiveChannels prometheus.Gauge
	ChannelsTotal  prometheus.Counter
	InitFailures   *prometheus.CounterVec

	// Request metrics
	Requests  *prometheus.CounterVec
	Responses *prometheus.CounterVec
	Messages  *prometheus.CounterVec
	Errors    *prometheus.CounterVec

	RequestLatency *prometheus.HistogramVec

	// Stream metrics
	Streams        *prometheus.CounterVec
	StreamDuration *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitRejected *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Configuration refresh metrics
	ConfigRefreshErrors *prometheus.CounterVec

	// RequestDuration and MessageDuration back the percentile snapshot gauges
	RequestDuration *Histogram
	MessageDuration *Histogram
}

// Options configures the snapshot histograms
type Options struct {
	// SampleSize is the ring size of each histogram
	SampleSize int
	// RefreshInterval bounds how often a snapshot is recomputed
	RefreshInterval time.Duration
}

// New registers all collectors on reg
func New(reg prometheus.Registerer, opts Options) *Metrics {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	f := promauto.With(reg)

	m := &Metrics{
		factory: f,

		ActiveChannels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of open proxy channels",
		}),
		ChannelsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_total",
			Help:      "Total number of proxy channels opened",
		}),
		InitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "init_failures_total",
			Help:      "Total number of rejected channel handshakes",
		}, []string{"reason"}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests dispatched to a protocol",
		}, []string{"protocol"}),
		Responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total number of response envelopes sent",
		}, []string{"kind"}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of envelopes processed",
		}, []string{"direction"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors reported to clients",
		}, []string{"code", "scope"}),

		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"protocol"}),

		Streams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of finished gRPC streams",
		}, []string{"method", "code"}),
		StreamDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Lifetime of gRPC streams in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43m
		}, []string{"method"}),

		RateLimitRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Total number of streams rejected by rate limiting",
		}, []string{"reason"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"backend"}),

		ConfigRefreshErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_refresh_errors_total",
			Help:      "Total number of configuration refresh errors",
		}, []string{"config_type"}),

		RequestDuration: NewHistogram(opts.SampleSize, opts.RefreshInterval),
		MessageDuration: NewHistogram(opts.SampleSize, opts.RefreshInterval),
	}

	m.registerSnapshot("request_duration", "Request duration percentile over the sample window", m.RequestDuration)
	m.registerSnapshot("message_duration", "Envelope handling duration percentile over the sample window", m.MessageDuration)
	return m
}

func (m *Metrics) registerSnapshot(name, help string, h *Histogram) {
	quantiles := []struct {
		label string
		get   func(*Snapshot) time.Duration
	}{
		{"0.5", func(s *Snapshot) time.Duration { return s.P50 }},
		{"0.95", func(s *Snapshot) time.Duration { return s.P95 }},
		{"0.99", func(s *Snapshot) time.Duration { return s.P99 }},
	}
	for _, q := range quantiles {
		get := q.get
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name + "_seconds",
			Help:        help,
			ConstLabels: prometheus.Labels{"quantile": q.label},
		}, func() float64 { return get(h.Snapshot()).Seconds() })
	}
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

// ObserveRequest records one completed request
func (m *Metrics) ObserveRequest(protocol string, d time.Duration) {
	m.RequestLatency.WithLabelValues(protocol).Observe(d.Seconds())
	m.RequestDuration.Observe(d)
}

// IncError counts an error envelope or stream failure
func (m *Metrics) IncError(code, scope string) {
	m.Errors.WithLabelValues(code, scope).Inc()
}

// IncRateLimitRejected counts a rejected stream
func (m *Metrics) IncRateLimitRejected(reason string) {
	m.RateLimitRejected.WithLabelValues(reason).Inc()
}
