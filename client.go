package memcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pior/memcache-binary/binprot"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"
)

// Item is a value fetched from memcached.
type Item struct {
	Key string

	// Value is shared by every concurrent Get of the same key and must not
	// be modified.
	Value []byte

	Flags uint32
	CAS   uint64
	Found bool // indicates whether the key was found in cache
}

// Config holds configuration for the memcache client.
// Zero values are replaced by defaults.
type Config struct {
	// MaxSize is the maximum number of connections per server.
	// Defaults to 4.
	MaxSize int32

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often to check idle connections for health.
	// Zero disables health checks.
	HealthCheckInterval time.Duration

	// Timeout bounds each batch sent on behalf of coalesced Gets, and each
	// health check. Defaults to 1 second.
	Timeout time.Duration

	// ReadBufferSize is the initial size of the read buffers.
	// Defaults to 16 KiB.
	ReadBufferSize int

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// NewPool is the connection pool factory function.
	// If nil, uses the channel-based pool (fastest).
	// To use the puddle pool: NewPool: memcache.NewPuddlePool
	NewPool PoolFactory

	// ServerSelector picks which server to use for a key.
	// If nil, uses DefaultServerSelector.
	ServerSelector ServerSelector

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) *gobreaker.CircuitBreaker[*binprot.Results]

	// Logger receives connection and batch failures.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// for testing purposes only
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.NewPool == nil {
		c.NewPool = NewChannelPool
	}
	if c.ServerSelector == nil {
		c.ServerSelector = DefaultServerSelector
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is a memcached client fetching keys with binary protocol multi-gets.
type Client struct {
	servers Servers
	config  Config

	mu    sync.RWMutex
	pools map[string]*ServerPool

	// errors raised before a request reaches a server
	stats clientStatsCollector

	stopHealthCheck chan struct{}
	healthCheckDone chan struct{}
	closeOnce       sync.Once
}

// NewClient creates a new memcache client with the given servers and configuration.
// For a single server, use: NewClient(NewStaticServers("host:port"), config)
func NewClient(servers Servers, config Config) (*Client, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}

	client := &Client{
		servers:         servers,
		config:          config.withDefaults(),
		pools:           make(map[string]*ServerPool),
		stopHealthCheck: make(chan struct{}),
		healthCheckDone: make(chan struct{}),
	}

	if client.config.HealthCheckInterval > 0 {
		go client.healthCheckLoop()
	} else {
		close(client.healthCheckDone)
	}

	return client, nil
}

// Close stops the health checks and closes every server pool.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopHealthCheck)
		<-c.healthCheckDone

		c.mu.Lock()
		defer c.mu.Unlock()

		for _, sp := range c.pools {
			sp.Close()
		}
	})
}

// poolForKey returns the pool of the server that should handle this key.
func (c *Client) poolForKey(key string) (*ServerPool, error) {
	servers := c.servers.List()
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return c.getOrCreatePool(servers[c.config.ServerSelector(key, len(servers))])
}

// getOrCreatePool gets or creates a pool for the given server address.
func (c *Client) getOrCreatePool(addr string) (*ServerPool, error) {
	// Fast path: read lock
	c.mu.RLock()
	sp, exists := c.pools[addr]
	c.mu.RUnlock()
	if exists {
		return sp, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if sp, exists := c.pools[addr]; exists {
		return sp, nil
	}

	sp, err := NewServerPool(addr, c.config)
	if err != nil {
		return nil, err
	}
	c.pools[addr] = sp
	return sp, nil
}

// Get retrieves a single item. A missing key is not an error: the returned
// item has Found set to false.
//
// Concurrent Gets to the same server are sent together in one batch.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	sp, err := c.poolForKey(key)
	if err != nil {
		c.stats.recordError()
		return Item{}, err
	}

	return sp.Get(ctx, key)
}

// discardWaiter is registered for keys read back from the batch results.
type discardWaiter struct{}

func (discardWaiter) Deliver(*binprot.Slot) {}
func (discardWaiter) Release(error)         {}

// GetMulti retrieves many keys at once, with one batch per server sent
// concurrently. Missing keys are absent from the returned map.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]Item, error) {
	byServer := make(map[*ServerPool][]string)
	seen := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if err := binprot.ValidateKey(key); err != nil {
			c.stats.recordError()
			return nil, err
		}

		sp, err := c.poolForKey(key)
		if err != nil {
			c.stats.recordError()
			return nil, err
		}
		byServer[sp] = append(byServer[sp], key)
	}

	var mu sync.Mutex
	items := make(map[string]Item, len(seen))

	g, ctx := errgroup.WithContext(ctx)
	for sp, keys := range byServer {
		g.Go(func() error {
			reg := binprot.NewRegistry()
			for _, key := range keys {
				reg.Register(key, discardWaiter{})
			}

			results, err := sp.ExecuteBatch(ctx, reg)
			if err != nil {
				sp.stats.recordError()
				return fmt.Errorf("memcache: get multi from %s: %w", sp.Address(), err)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, key := range keys {
				slot, found := results.Get(key)
				sp.stats.recordGet(found)
				if found {
					items[key] = Item{Key: key, Value: slot.Value(), Flags: slot.Flags, CAS: slot.CAS, Found: true}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

// Ping checks every server with a no-op round trip.
func (c *Client) Ping(ctx context.Context) error {
	var errs []error
	for _, addr := range c.servers.List() {
		sp, err := c.getOrCreatePool(addr)
		if err == nil {
			err = sp.Ping(ctx)
		}
		if err != nil {
			c.stats.recordError()
			errs = append(errs, fmt.Errorf("memcache: ping %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Client) healthCheckLoop() {
	defer close(c.healthCheckDone)

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

// checkAllPools runs health checks on all existing pools
func (c *Client) checkAllPools() {
	for _, sp := range c.serverPools() {
		sp.checkConnections(c.config.MaxConnLifetime, c.config.MaxConnIdleTime)
	}
}

// serverPools returns the existing pools sorted by address.
func (c *Client) serverPools() []*ServerPool {
	c.mu.RLock()
	pools := make([]*ServerPool, 0, len(c.pools))
	for _, sp := range c.pools {
		pools = append(pools, sp)
	}
	c.mu.RUnlock()

	slices.SortFunc(pools, func(a, b *ServerPool) int {
		return strings.Compare(a.addr, b.addr)
	})
	return pools
}

// Stats returns a snapshot of client statistics, summed over all servers.
func (c *Client) Stats() ClientStats {
	stats := c.stats.snapshot()
	for _, sp := range c.serverPools() {
		stats.add(sp.stats.snapshot())
	}
	return stats
}

// AllPoolStats returns stats for all server pools, sorted by address.
func (c *Client) AllPoolStats() []ServerPoolStats {
	pools := c.serverPools()
	stats := make([]ServerPoolStats, 0, len(pools))
	for _, sp := range pools {
		stats = append(stats, sp.Stats())
	}
	return stats
}
