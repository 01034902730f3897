// mcget fetches keys from memcached servers with binary protocol multi-gets,
// and can benchmark the client's coalescing of concurrent Gets.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pior/memcache-binary"
	"github.com/pior/memcache-binary/prommetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	servers     = flag.StringSliceP("servers", "s", []string{"localhost:11211"}, "memcached servers")
	timeout     = flag.DurationP("timeout", "t", time.Second, "timeout of each request")
	maxConns    = flag.Int32("max-conns", 4, "maximum connections per server")
	usePuddle   = flag.Bool("puddle", false, "use the puddle connection pool")
	bench       = flag.Duration("bench", 0, "run Gets on the keys for this long instead of fetching them once")
	concurrency = flag.IntP("concurrency", "c", 16, "concurrent workers in benchmark mode")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9150)")
	verbose     = flag.BoolP("verbose", "v", false, "log connection and batch events")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: mcget [flags] key [key...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	keys := flag.Args()
	if len(keys) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	config := memcache.Config{
		MaxSize:           *maxConns,
		Timeout:           *timeout,
		Logger:            logger,
		NewCircuitBreaker: memcache.NewCircuitBreakerConfig(3, time.Minute, 10*time.Second),
	}
	if *usePuddle {
		config.NewPool = memcache.NewPuddlePool
	}

	client, err := memcache.NewClient(memcache.NewStaticServers(*servers...), config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcget: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if *metricsAddr != "" {
		serveMetrics(client, *metricsAddr, logger)
	}

	if *bench > 0 {
		runBenchmark(client, keys, *bench, *concurrency)
		return
	}

	if err := fetch(client, keys); err != nil {
		fmt.Fprintf(os.Stderr, "mcget: %v\n", err)
		os.Exit(1)
	}
}

func serveMetrics(client *memcache.Client, addr string, logger *slog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prommetrics.NewCollector(client))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("mcget: metrics server failed", "addr", addr, "error", err)
		}
	}()
}

func fetch(client *memcache.Client, keys []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	items, err := client.GetMulti(ctx, keys)
	if err != nil {
		return err
	}

	for _, key := range keys {
		item, ok := items[key]
		if !ok {
			fmt.Printf("%s: not found\n", key)
			continue
		}
		fmt.Printf("%s: flags=%d cas=%d bytes=%d\n%s\n", key, item.Flags, item.CAS, len(item.Value), item.Value)
	}
	return nil
}

type workerResult struct {
	latencies *hdrhistogram.Histogram
	hits      int64
	misses    int64
	errors    int64
}

func newLatencyHistogram() *hdrhistogram.Histogram {
	// microseconds, up to one minute
	return hdrhistogram.New(1, int64(time.Minute/time.Microsecond), 3)
}

func runBenchmark(client *memcache.Client, keys []string, duration time.Duration, concurrency int) {
	fmt.Printf("Benchmarking Get on %d keys with %d workers for %v...\n", len(keys), concurrency, duration)

	deadline := time.Now().Add(duration)
	results := make([]workerResult, concurrency)

	var wg sync.WaitGroup
	for i := range concurrency {
		wg.Add(1)
		go func(r *workerResult) {
			defer wg.Done()
			r.latencies = newLatencyHistogram()

			for time.Now().Before(deadline) {
				key := keys[rand.IntN(len(keys))]

				ctx, cancel := context.WithTimeout(context.Background(), *timeout)
				start := time.Now()
				item, err := client.Get(ctx, key)
				latency := time.Since(start)
				cancel()

				switch {
				case err != nil:
					r.errors++
				case item.Found:
					r.hits++
				default:
					r.misses++
				}

				if err := r.latencies.RecordValue(latency.Microseconds()); err != nil {
					_ = r.latencies.RecordValue(r.latencies.HighestTrackableValue())
				}
			}
		}(&results[i])
	}
	wg.Wait()

	total := newLatencyHistogram()
	var hits, misses, errs int64
	for _, r := range results {
		total.Merge(r.latencies)
		hits += r.hits
		misses += r.misses
		errs += r.errors
	}

	ops := total.TotalCount()
	fmt.Printf("\nOperations: %d (%.0f ops/s)\n", ops, float64(ops)/duration.Seconds())
	fmt.Printf("  Hits: %d  Misses: %d  Errors: %d\n", hits, misses, errs)
	fmt.Printf("Latency (µs):\n")
	for _, q := range []float64{50, 90, 99, 99.9} {
		fmt.Printf("  p%-5v %d\n", q, total.ValueAtQuantile(q))
	}
	fmt.Printf("  max    %d\n", total.Max())

	stats := client.Stats()
	fmt.Printf("Batches: %d, keys per batch: %.2f, coalesced Gets: %d\n",
		stats.Batches, float64(stats.BatchKeys)/max(float64(stats.Batches), 1), stats.Coalesced)

	for _, s := range client.AllPoolStats() {
		fmt.Printf("%s: %d connections, %d created, circuit %s\n",
			s.Addr, s.PoolStats.TotalConns, s.PoolStats.CreatedConns, s.CircuitBreakerState)
	}
}
