// Package prommetrics exports memcache client statistics to Prometheus.
package prommetrics

import (
	"github.com/pior/memcache-binary"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource is implemented by *memcache.Client.
type StatsSource interface {
	Stats() memcache.ClientStats
	AllPoolStats() []memcache.ServerPoolStats
}

// Collector reads the client statistics on every scrape.
type Collector struct {
	source StatsSource

	gets       *prometheus.Desc
	getHits    *prometheus.Desc
	coalesced  *prometheus.Desc
	batches    *prometheus.Desc
	batchKeys  *prometheus.Desc
	batchBytes *prometheus.Desc
	errors     *prometheus.Desc

	poolConnections   *prometheus.Desc
	poolCreated       *prometheus.Desc
	poolDestroyed     *prometheus.Desc
	poolAcquires      *prometheus.Desc
	poolAcquireErrors *prometheus.Desc
	poolWaitSeconds   *prometheus.Desc
	circuitState      *prometheus.Desc
	circuitFailures   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a Collector for source. Register it with
// prometheus.MustRegister or a custom registry.
func NewCollector(source StatsSource) *Collector {
	server := []string{"server"}

	return &Collector{
		source: source,

		gets:       prometheus.NewDesc("memcache_gets_total", "Keys requested.", nil, nil),
		getHits:    prometheus.NewDesc("memcache_get_hits_total", "Keys requested and found.", nil, nil),
		coalesced:  prometheus.NewDesc("memcache_gets_coalesced_total", "Gets that shared the request of a concurrent Get for the same key.", nil, nil),
		batches:    prometheus.NewDesc("memcache_batches_total", "Multi-get batches sent.", nil, nil),
		batchKeys:  prometheus.NewDesc("memcache_batch_keys_total", "Distinct keys sent in batches.", nil, nil),
		batchBytes: prometheus.NewDesc("memcache_batch_value_bytes_total", "Value bytes received in batches.", nil, nil),
		errors:     prometheus.NewDesc("memcache_errors_total", "Failed operations.", nil, nil),

		poolConnections:   prometheus.NewDesc("memcache_pool_connections", "Connections by state (active, idle).", []string{"server", "state"}, nil),
		poolCreated:       prometheus.NewDesc("memcache_pool_connections_created_total", "Connections created.", server, nil),
		poolDestroyed:     prometheus.NewDesc("memcache_pool_connections_destroyed_total", "Connections destroyed.", server, nil),
		poolAcquires:      prometheus.NewDesc("memcache_pool_acquires_total", "Connection acquire attempts.", server, nil),
		poolAcquireErrors: prometheus.NewDesc("memcache_pool_acquire_errors_total", "Failed connection acquires.", server, nil),
		poolWaitSeconds:   prometheus.NewDesc("memcache_pool_acquire_wait_seconds_total", "Time spent waiting for a connection.", server, nil),
		circuitState:      prometheus.NewDesc("memcache_circuit_breaker_state", "Circuit breaker state (0=closed, 1=half-open, 2=open).", server, nil),
		circuitFailures:   prometheus.NewDesc("memcache_circuit_breaker_failures", "Circuit breaker failure counts (total, consecutive).", []string{"server", "type"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.gets, c.getHits, c.coalesced, c.batches, c.batchKeys, c.batchBytes, c.errors,
		c.poolConnections, c.poolCreated, c.poolDestroyed, c.poolAcquires, c.poolAcquireErrors,
		c.poolWaitSeconds, c.circuitState, c.circuitFailures,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.gets, s.Gets)
	counter(c.getHits, s.GetHits)
	counter(c.coalesced, s.Coalesced)
	counter(c.batches, s.Batches)
	counter(c.batchKeys, s.BatchKeys)
	counter(c.batchBytes, s.BatchBytes)
	counter(c.errors, s.Errors)

	for _, ps := range c.source.AllPoolStats() {
		p := ps.PoolStats
		gauge(c.poolConnections, float64(p.ActiveConns), ps.Addr, "active")
		gauge(c.poolConnections, float64(p.IdleConns), ps.Addr, "idle")
		counter(c.poolCreated, p.CreatedConns, ps.Addr)
		counter(c.poolDestroyed, p.DestroyedConns, ps.Addr)
		counter(c.poolAcquires, p.AcquireCount, ps.Addr)
		counter(c.poolAcquireErrors, p.AcquireErrors, ps.Addr)
		ch <- prometheus.MustNewConstMetric(c.poolWaitSeconds, prometheus.CounterValue, float64(p.AcquireWaitTimeNs)/1e9, ps.Addr)

		gauge(c.circuitState, float64(ps.CircuitBreakerState), ps.Addr)
		gauge(c.circuitFailures, float64(ps.CircuitBreakerCounts.TotalFailures), ps.Addr, "total")
		gauge(c.circuitFailures, float64(ps.CircuitBreakerCounts.ConsecutiveFailures), ps.Addr, "consecutive")
	}
}
