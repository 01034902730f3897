package memcache

import (
	"context"
	"errors"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a connection pool backed by jackc/puddle.
// Use it with Config.NewPool: memcache.NewPuddlePool
func NewPuddlePool(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	p := &puddlePool{}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := constructor(ctx)
			if err != nil {
				return nil, err
			}
			p.stats.recordCreate()
			return conn, nil
		},
		// Runs in its own goroutine after Resource.Destroy.
		Destructor: func(c *Connection) {
			_ = c.Close()
			p.stats.recordDestroy()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}

	p.pool = pool
	return p, nil
}

// puddlePool adapts puddle.Pool to Pool. *puddle.Resource[*Connection]
// already satisfies Resource.
type puddlePool struct {
	pool *puddle.Pool[*Connection]

	// connection lifecycle counters, puddle only tracks acquires
	stats poolStatsCollector
}

func (p *puddlePool) Acquire(ctx context.Context) (Resource, error) {
	res, err := p.pool.Acquire(ctx)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, ErrPoolClosed
	default:
		return nil, err
	}
}

func (p *puddlePool) AcquireAllIdle() []Resource {
	idle := p.pool.AcquireAllIdle()
	resources := make([]Resource, 0, len(idle))
	for _, res := range idle {
		resources = append(resources, res)
	}
	return resources
}

// Close blocks until every acquired connection is released.
func (p *puddlePool) Close() {
	p.pool.Close()
}

func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()

	stats := p.stats.snapshot(s.TotalResources(), s.IdleResources())
	stats.ActiveConns = s.AcquiredResources()
	stats.AcquireCount = uint64(s.AcquireCount())
	// puddle counts an acquire as waiting when no idle connection was ready
	stats.AcquireWaitCount = uint64(s.EmptyAcquireCount())
	stats.AcquireWaitTimeNs = uint64(s.EmptyAcquireWaitTime().Nanoseconds())
	stats.AcquireErrors = uint64(s.CanceledAcquireCount())
	return stats
}
