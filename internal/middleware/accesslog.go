package middleware

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/logger"
)

// AccessLogEntry represents one finished proxy stream
type AccessLogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"trace_id,omitempty"`
	SpanID          string    `json:"span_id,omitempty"`
	RequestID       string    `json:"request_id,omitempty"`
	Method          string    `json:"method"`
	RemoteAddr      string    `json:"remote_addr"`
	Protocol        string    `json:"protocol,omitempty"`
	ProtocolVersion int32     `json:"protocol_version,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	Status          string    `json:"status"` // gRPC code name
	EnvelopesIn     int64     `json:"envelopes_in,omitempty"`
	EnvelopesOut    int64     `json:"envelopes_out,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// AccessLogger handles access log recording with batching support
type AccessLogger struct {
	logChan       chan *AccessLogEntry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

var (
	// Global access logger instance
	globalAccessLogger *AccessLogger
	globalMu           sync.RWMutex
)

// InitAccessLogger initializes the global access logger
// batchSize: number of logs to accumulate before flushing
// flushInterval: maximum time to wait before flushing
// It is a no-op while a logger is running.
func InitAccessLogger(batchSize int, flushInterval time.Duration) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAccessLogger != nil {
		return
	}
	globalAccessLogger = &AccessLogger{
		logChan:       make(chan *AccessLogEntry, batchSize*2), // Buffer 2x batch size
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
	}
	globalAccessLogger.start()
}

// LogAccess records an access log entry
// This is non-blocking - if buffer is full, log is dropped to prevent blocking main flow
func LogAccess(ctx context.Context, entry *AccessLogEntry) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		entry.TraceID = span.SpanContext().TraceID().String()
		entry.SpanID = span.SpanContext().SpanID().String()
	}
	entry.Timestamp = time.Now()

	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalAccessLogger == nil {
		logger.L.Info("access_log", entryFields(entry)...)
		return
	}

	// Non-blocking send
	select {
	case globalAccessLogger.logChan <- entry:
	default:
		logger.L.Warn("access log buffer full, dropping entry",
			zap.String("remote_addr", entry.RemoteAddr),
		)
	}
}

func entryFields(entry *AccessLogEntry) []zap.Field {
	fields := []zap.Field{
		zap.String("method", entry.Method),
		zap.String("remote_addr", entry.RemoteAddr),
		zap.Int64("duration_ms", entry.DurationMs),
		zap.String("status", entry.Status),
	}
	if entry.TraceID != "" {
		fields = append(fields, zap.String("trace_id", entry.TraceID))
	}
	if entry.SpanID != "" {
		fields = append(fields, zap.String("span_id", entry.SpanID))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.Protocol != "" {
		fields = append(fields,
			zap.String("protocol", entry.Protocol),
			zap.Int32("protocol_version", entry.ProtocolVersion))
	}
	if entry.EnvelopesIn > 0 {
		fields = append(fields, zap.Int64("envelopes_in", entry.EnvelopesIn))
	}
	if entry.EnvelopesOut > 0 {
		fields = append(fields, zap.Int64("envelopes_out", entry.EnvelopesOut))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	return fields
}

// start starts the batch processing goroutine
func (al *AccessLogger) start() {
	al.wg.Add(1)
	go al.processBatches()
}

// processBatches processes access logs in batches
func (al *AccessLogger) processBatches() {
	defer al.wg.Done()

	batch := make([]*AccessLogEntry, 0, al.batchSize)
	ticker := time.NewTicker(al.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-al.stopChan:
			// Flush remaining logs
			for {
				select {
				case entry := <-al.logChan:
					batch = append(batch, entry)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				al.flushBatch(batch)
			}
			return
		case entry := <-al.logChan:
			batch = append(batch, entry)
			if len(batch) >= al.batchSize {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				al.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (al *AccessLogger) flushBatch(batch []*AccessLogEntry) {
	for _, entry := range batch {
		logger.L.Info("access_log", entryFields(entry)...)
	}
}

// ShutdownAccessLogger flushes pending entries and stops the batcher
func ShutdownAccessLogger() {
	globalMu.Lock()
	al := globalAccessLogger
	globalAccessLogger = nil
	globalMu.Unlock()

	if al != nil {
		close(al.stopChan)
		al.wg.Wait()
	}
}
