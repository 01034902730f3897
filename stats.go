package memcache

import (
	"sync/atomic"
	"time"
)

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	// Lifetime counters
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	// Current state gauges
	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use
}

// ClientStats contains statistics about client operations.
//
// For Prometheus integration, expose these as counters. The hit rate is
// GetHits/Gets, the coalescing ratio is BatchKeys/Batches.
type ClientStats struct {
	Gets       uint64 // Keys requested through Get and GetMulti
	GetHits    uint64 // Requested keys that were found
	Coalesced  uint64 // Gets that joined a pending request for the same key
	Batches    uint64 // Multi-get batches sent
	BatchKeys  uint64 // Distinct keys sent in batches
	BatchBytes uint64 // Value bytes received in batches
	Errors     uint64 // Total errors across all operations
}

func (s *ClientStats) add(o ClientStats) {
	s.Gets += o.Gets
	s.GetHits += o.GetHits
	s.Coalesced += o.Coalesced
	s.Batches += o.Batches
	s.BatchKeys += o.BatchKeys
	s.BatchBytes += o.BatchBytes
	s.Errors += o.Errors
}

// poolStatsCollector holds the pool counters. Gauges are computed by the
// pool itself when a snapshot is taken.
type poolStatsCollector struct {
	acquireCount      atomic.Uint64
	acquireWaitCount  atomic.Uint64
	createdConns      atomic.Uint64
	destroyedConns    atomic.Uint64
	acquireErrors     atomic.Uint64
	acquireWaitTimeNs atomic.Uint64
}

func (c *poolStatsCollector) recordAcquire() {
	c.acquireCount.Add(1)
}

func (c *poolStatsCollector) recordAcquireWait(duration time.Duration) {
	c.acquireWaitCount.Add(1)
	c.acquireWaitTimeNs.Add(uint64(duration.Nanoseconds()))
}

func (c *poolStatsCollector) recordCreate() {
	c.createdConns.Add(1)
}

func (c *poolStatsCollector) recordDestroy() {
	c.destroyedConns.Add(1)
}

func (c *poolStatsCollector) recordAcquireError() {
	c.acquireErrors.Add(1)
}

func (c *poolStatsCollector) snapshot(total, idle int32) PoolStats {
	return PoolStats{
		TotalConns:        total,
		IdleConns:         idle,
		ActiveConns:       total - idle,
		AcquireCount:      c.acquireCount.Load(),
		AcquireWaitCount:  c.acquireWaitCount.Load(),
		CreatedConns:      c.createdConns.Load(),
		DestroyedConns:    c.destroyedConns.Load(),
		AcquireErrors:     c.acquireErrors.Load(),
		AcquireWaitTimeNs: c.acquireWaitTimeNs.Load(),
	}
}

// clientStatsCollector provides internal methods for updating client stats.
// Not exported - client updates its own stats.
type clientStatsCollector struct {
	gets       atomic.Uint64
	getHits    atomic.Uint64
	coalesced  atomic.Uint64
	batches    atomic.Uint64
	batchKeys  atomic.Uint64
	batchBytes atomic.Uint64
	errors     atomic.Uint64
}

func (c *clientStatsCollector) recordGet(found bool) {
	c.gets.Add(1)
	if found {
		c.getHits.Add(1)
	}
}

func (c *clientStatsCollector) recordCoalesced() {
	c.coalesced.Add(1)
}

func (c *clientStatsCollector) recordBatch(keys int, valueBytes int) {
	c.batches.Add(1)
	c.batchKeys.Add(uint64(keys))
	c.batchBytes.Add(uint64(valueBytes))
}

func (c *clientStatsCollector) recordError() {
	c.errors.Add(1)
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Gets:       c.gets.Load(),
		GetHits:    c.getHits.Load(),
		Coalesced:  c.coalesced.Load(),
		Batches:    c.batches.Load(),
		BatchKeys:  c.batchKeys.Load(),
		BatchBytes: c.batchBytes.Load(),
		Errors:     c.errors.Load(),
	}
}
