package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/SkynetNext/grid-gateway/api"
	"github.com/SkynetNext/grid-gateway/internal/cache"
	"github.com/SkynetNext/grid-gateway/internal/metrics"
	transport "github.com/SkynetNext/grid-gateway/internal/transport/grpc"
)

var (
	addr      = flag.StringP("addr", "a", "localhost:1408", "Gateway gRPC address")
	streams   = flag.IntP("streams", "n", 100, "Number of concurrent proxy streams")
	duration  = flag.DurationP("duration", "d", 30*time.Second, "Test duration")
	rate      = flag.Float64("rate", 10.0, "Requests per second per stream")
	cacheName = flag.String("cache", "loadtest", "Cache every stream writes to")
	keys      = flag.Int("keys", 1000, "Number of distinct keys")
	valueSize = flag.Int("value-size", 64, "Value size in bytes")
	timeout   = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	verbose   = flag.BoolP("verbose", "v", false, "Verbose output")
)

type Stats struct {
	TotalStreams      int64
	SuccessfulStreams int64
	FailedStreams     int64
	TotalRequests     int64
	SuccessfulReqs    int64
	FailedReqs        int64
	OpenErrors        int64
	InitErrors        int64
}

var (
	stats   Stats
	latency = metrics.NewHistogram(100_000, time.Second)
)

func main() {
	flag.Parse()

	fmt.Printf("=== Grid Gateway Load Test ===\n")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Streams: %d\n", *streams)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f req/s per stream\n", *rate)
	fmt.Printf("\n")

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	client, err := transport.Dial(ctx, *addr, transport.Options{Name: "loadtest"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to dial %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer client.Close()

	// Start stats reporter
	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < *streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runStream(ctx, client, i)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	// Final report
	<-statsDone
	os.Exit(printFinalReport(elapsed))
}

func runStream(ctx context.Context, client *transport.Client, n int) {
	atomic.AddInt64(&stats.TotalStreams, 1)

	session, err := client.Open(ctx, nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedStreams, 1)
		atomic.AddInt64(&stats.OpenErrors, 1)
		logf("stream %d: open failed: %v", n, err)
		return
	}
	defer session.Close()

	if _, err := session.Init(ctx, &api.InitRequest{
		Protocol:        cache.ProtocolName,
		ProtocolVersion: cache.ProtocolVersion,
	}); err != nil {
		atomic.AddInt64(&stats.FailedStreams, 1)
		atomic.AddInt64(&stats.InitErrors, 1)
		logf("stream %d: init failed: %v", n, err)
		return
	}
	bodies, err := call(ctx, session, map[string]any{"type": cache.OpEnsureCache, "cache": *cacheName})
	if err != nil || len(bodies) != 1 {
		atomic.AddInt64(&stats.FailedStreams, 1)
		logf("stream %d: ensureCache failed: %v", n, err)
		return
	}
	var id structpb.Value
	if err := bodies[0].UnmarshalTo(&id); err != nil {
		atomic.AddInt64(&stats.FailedStreams, 1)
		return
	}
	atomic.AddInt64(&stats.SuccessfulStreams, 1)

	value := strings.Repeat("x", *valueSize)
	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		key := fmt.Sprintf("key-%d", (n*7919+seq)%*keys)
		req := map[string]any{"type": cache.OpGet, "cacheId": id.GetNumberValue(), "key": key}
		if seq%2 == 0 {
			req["type"] = cache.OpPut
			req["value"] = value
		}

		atomic.AddInt64(&stats.TotalRequests, 1)
		start := time.Now()
		if _, err := call(ctx, session, req); err != nil {
			if ctx.Err() != nil {
				return
			}
			atomic.AddInt64(&stats.FailedReqs, 1)
			logf("stream %d: %s failed: %v", n, req["type"], err)
			continue
		}
		latency.Observe(time.Since(start))
		atomic.AddInt64(&stats.SuccessfulReqs, 1)
	}
}

func call(ctx context.Context, session *transport.Session, fields map[string]any) ([]*anypb.Any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	return session.Call(ctx, api.RootProxyID, req)
}

func logf(format string, args ...any) {
	if *verbose {
		fmt.Printf("❌ "+format+"\n", args...)
	}
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printStats()
		}
	}
}

func printStats() {
	snap := latency.Snapshot()
	fmt.Printf("\r[Stats] Streams: %d/%d | Reqs: %d (failed: %d) | p50 %v p99 %v",
		atomic.LoadInt64(&stats.SuccessfulStreams), atomic.LoadInt64(&stats.TotalStreams),
		atomic.LoadInt64(&stats.SuccessfulReqs), atomic.LoadInt64(&stats.FailedReqs),
		snap.P50, snap.P99)
}

func printFinalReport(elapsed time.Duration) int {
	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	totalStreams := atomic.LoadInt64(&stats.TotalStreams)
	failedStreams := atomic.LoadInt64(&stats.FailedStreams)
	totalReqs := atomic.LoadInt64(&stats.TotalRequests)
	successReqs := atomic.LoadInt64(&stats.SuccessfulReqs)
	failedReqs := atomic.LoadInt64(&stats.FailedReqs)

	fmt.Printf("\n--- Streams ---\n")
	fmt.Printf("Total: %d\n", totalStreams)
	fmt.Printf("Successful: %d\n", atomic.LoadInt64(&stats.SuccessfulStreams))
	fmt.Printf("Failed: %d (open: %d, init: %d)\n", failedStreams,
		atomic.LoadInt64(&stats.OpenErrors), atomic.LoadInt64(&stats.InitErrors))

	fmt.Printf("\n--- Requests ---\n")
	fmt.Printf("Total: %d\n", totalReqs)
	fmt.Printf("Successful: %d\n", successReqs)
	fmt.Printf("Failed: %d\n", failedReqs)
	fmt.Printf("Throughput: %.2f req/s\n", float64(successReqs)/elapsed.Seconds())

	fmt.Printf("\n--- Latency ---\n")
	if latency.Count() > 0 {
		snap := latency.Snapshot()
		fmt.Printf("Min: %v\n", snap.Min)
		fmt.Printf("Mean: %v\n", snap.Mean)
		fmt.Printf("p50: %v\n", snap.P50)
		fmt.Printf("p95: %v\n", snap.P95)
		fmt.Printf("p99: %v\n", snap.P99)
		fmt.Printf("Max: %v\n", snap.Max)
	}

	// Exit code
	if failedStreams > totalStreams/10 || failedReqs > totalReqs/10 {
		fmt.Printf("\n❌ Test failed: too many errors\n")
		return 1
	}
	fmt.Printf("\n✅ Test completed successfully\n")
	return 0
}
