package memcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/pior/memcache-binary/internal"
	"github.com/sony/gobreaker/v2"
)

// NewServerPool creates the pool of one server. Zero fields of config take
// their default values.
func NewServerPool(addr string, config Config) (*ServerPool, error) {
	config = config.withDefaults()

	buffers := internal.NewBufferPool(config.ReadBufferSize)

	constructor := func(ctx context.Context) (*Connection, error) {
		netConn, err := config.Dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewConnection(netConn, buffers), nil
	}
	if config.dial != nil {
		constructor = func(ctx context.Context) (*Connection, error) {
			netConn, err := config.dial(ctx, addr)
			if err != nil {
				return nil, err
			}
			return NewConnection(netConn, buffers), nil
		}
	}

	pool, err := config.NewPool(constructor, config.MaxSize)
	if err != nil {
		return nil, err
	}

	sp := &ServerPool{
		addr:    addr,
		pool:    pool,
		timeout: config.Timeout,
		logger:  config.Logger.With("server", addr),
	}
	if config.NewCircuitBreaker != nil {
		sp.circuitBreaker = config.NewCircuitBreaker(addr)
	}
	return sp, nil
}

// ServerPool wraps a pool, a circuit breaker with its server address.
//
// Concurrent Gets are coalesced: they register in a pending batch, and a
// single flusher per server sends the pending batch, then the one that
// accumulated while the previous batch was in flight, until none is left.
type ServerPool struct {
	addr           string
	pool           Pool
	circuitBreaker *gobreaker.CircuitBreaker[*binprot.Results]
	timeout        time.Duration
	logger         *slog.Logger

	stats clientStatsCollector

	mu       sync.Mutex
	pending  *binprot.Registry
	flushing bool
	closed   bool
	flushes  sync.WaitGroup
}

func (sp *ServerPool) Address() string {
	return sp.addr
}

// ServerPoolStats contains stats for a single server pool
type ServerPoolStats struct {
	Addr                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

func (sp *ServerPool) Stats() ServerPoolStats {
	stats := ServerPoolStats{
		Addr:      sp.addr,
		PoolStats: sp.pool.Stats(),
	}
	if sp.circuitBreaker != nil {
		stats.CircuitBreakerState = sp.circuitBreaker.State()
		stats.CircuitBreakerCounts = sp.circuitBreaker.Counts()
	}
	return stats
}

// pendingGet is the waiter of one Get call.
type pendingGet struct {
	signal *binprot.Signal
	item   Item
	err    error
}

func (g *pendingGet) Deliver(slot *binprot.Slot) {
	if slot == nil {
		return
	}
	g.item.Value = slot.Value()
	g.item.Flags = slot.Flags
	g.item.CAS = slot.CAS
	g.item.Found = true
}

func (g *pendingGet) Release(err error) {
	g.err = err
	g.signal.Release()
}

// Get fetches one key. The key joins the batch pending for this server, and
// shares the wire request of any concurrent Get for the same key.
func (sp *ServerPool) Get(ctx context.Context, key string) (Item, error) {
	// An invalid key would fail the whole batch it joins.
	if err := binprot.ValidateKey(key); err != nil {
		sp.stats.recordError()
		return Item{}, err
	}

	g := &pendingGet{signal: binprot.NewSignal(), item: Item{Key: key}}

	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		sp.stats.recordError()
		return Item{}, ErrPoolClosed
	}
	if sp.pending == nil {
		sp.pending = binprot.NewRegistry()
	}
	if sp.pending.Register(key, g) {
		sp.stats.recordCoalesced()
	}
	startFlusher := !sp.flushing
	sp.flushing = true
	if startFlusher {
		sp.flushes.Add(1)
	}
	sp.mu.Unlock()

	if startFlusher {
		go sp.flushLoop()
	}

	if err := g.signal.Wait(ctx); err != nil {
		// Withdraw the key if the batch has not been sent yet. Otherwise the
		// batch still releases g when it ends.
		sp.mu.Lock()
		if sp.pending != nil {
			sp.pending.Remove(key, g)
		}
		sp.mu.Unlock()
		sp.stats.recordError()
		return Item{}, err
	}

	if g.err != nil {
		sp.stats.recordError()
		return Item{}, g.err
	}

	sp.stats.recordGet(g.item.Found)
	return g.item, nil
}

// flushLoop sends pending batches until there is none left.
func (sp *ServerPool) flushLoop() {
	defer sp.flushes.Done()

	for {
		sp.mu.Lock()
		reg := sp.pending
		sp.pending = nil
		if reg == nil || reg.Len() == 0 {
			sp.flushing = false
			sp.mu.Unlock()
			return
		}
		sp.mu.Unlock()

		keys := reg.Len()

		// The batch serves many callers, none of their contexts applies.
		ctx, cancel := context.WithTimeout(context.Background(), sp.timeout)
		_, err := sp.ExecuteBatch(ctx, reg)
		cancel()

		if err != nil {
			sp.logger.Error("memcache: batch failed", "keys", keys, "error", err)
		}
	}
}

// ExecuteBatch sends one multi-get for every key of reg through a pooled
// connection, wrapped with the server's circuit breaker. Every waiter of reg
// is released before ExecuteBatch returns.
func (sp *ServerPool) ExecuteBatch(ctx context.Context, reg *binprot.Registry) (*binprot.Results, error) {
	var (
		results *binprot.Results
		err     error
	)
	if sp.circuitBreaker == nil {
		results, err = sp.execBatchDirect(ctx, reg)
	} else {
		results, err = sp.circuitBreaker.Execute(func() (*binprot.Results, error) {
			return sp.execBatchDirect(ctx, reg)
		})
	}

	if err != nil {
		// The batch never started when the pool or the breaker refused it.
		reg.ReleaseAll(err)
		return nil, err
	}
	return results, nil
}

// execBatchDirect performs the actual batch execution without circuit breaker.
func (sp *ServerPool) execBatchDirect(ctx context.Context, reg *binprot.Registry) (*binprot.Results, error) {
	resource, err := sp.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	keys := reg.Len()
	results, err := resource.Value().ExecuteBatch(ctx, reg)
	if err != nil {
		if binprot.ShouldCloseConnection(err) {
			sp.logger.Warn("memcache: closing connection", "error", err)
			resource.Destroy()
		} else {
			resource.Release()
		}
		return nil, err
	}

	resource.Release()

	valueBytes := 0
	for _, slot := range results.All() {
		valueBytes += len(slot.Value())
	}
	sp.stats.recordBatch(keys, valueBytes)
	return results, nil
}

// Ping runs an empty batch on a pooled connection.
func (sp *ServerPool) Ping(ctx context.Context) error {
	_, err := sp.ExecuteBatch(ctx, binprot.NewRegistry())
	return err
}

// checkConnections destroys idle connections that are too old, idle for too
// long, or that fail a ping. The others go back to the pool.
func (sp *ServerPool) checkConnections(maxLifetime, maxIdleTime time.Duration) {
	now := time.Now()

	for _, res := range sp.pool.AcquireAllIdle() {
		if maxLifetime > 0 && now.Sub(res.CreationTime()) > maxLifetime {
			res.Destroy()
			continue
		}

		if maxIdleTime > 0 && res.IdleDuration() > maxIdleTime {
			res.Destroy()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sp.timeout)
		err := res.Value().Ping(ctx)
		cancel()
		if err != nil {
			sp.logger.Warn("memcache: health check failed", "error", err)
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// Close waits for the in-flight batches and closes the pool. Gets fail with
// ErrPoolClosed once Close has started.
func (sp *ServerPool) Close() {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return
	}
	sp.closed = true
	sp.mu.Unlock()

	sp.flushes.Wait()
	sp.pool.Close()
}
