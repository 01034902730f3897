package memcache

import (
	"context"
	"sync"
	"time"

	"github.com/pior/memcache-binary/internal/coarsetime"
)

// NewChannelPool creates the default pool: idle connections wait in a
// buffered channel of capacity maxSize.
func NewChannelPool(constructor func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
		idle:        make(chan *channelResource, maxSize),
	}, nil
}

type channelResource struct {
	conn     *Connection
	pool     *channelPool
	created  time.Time
	lastUsed time.Time
}

func (r *channelResource) Value() *Connection {
	return r.conn
}

func (r *channelResource) Release() {
	r.lastUsed = coarsetime.Now()
	r.pool.put(r)
}

// ReleaseUnused keeps the idle clock running, a health check ping does not
// count as use.
func (r *channelResource) ReleaseUnused() {
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	_ = r.conn.Close()
	r.pool.forget()
}

func (r *channelResource) CreationTime() time.Time {
	return r.created
}

func (r *channelResource) IdleDuration() time.Duration {
	return coarsetime.Since(r.lastUsed)
}

// channelPool hands out idle connections first, dials while under maxSize,
// and otherwise waits for a release. The channel is closed by Close, which
// is why sends happen under mu.
type channelPool struct {
	constructor func(ctx context.Context) (*Connection, error)
	maxSize     int32

	mu     sync.Mutex
	idle   chan *channelResource
	size   int32 // idle + acquired + being dialed
	closed bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	select {
	case res, ok := <-p.idle:
		if ok {
			return res, nil
		}
	default:
	}

	dial, err := p.reserve()
	if err != nil {
		p.stats.recordAcquireError()
		return nil, err
	}
	if dial {
		return p.dial(ctx)
	}

	waitStart := time.Now()
	select {
	case res, ok := <-p.idle:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireWait(time.Since(waitStart))
		return res, nil
	case <-ctx.Done():
		p.stats.recordAcquireError()
		return nil, ctx.Err()
	}
}

// reserve claims a slot for a new connection. It returns false when the pool
// is full and the caller has to wait.
func (p *channelPool) reserve() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrPoolClosed
	}
	if p.size >= p.maxSize {
		return false, nil
	}
	p.size++
	return true, nil
}

func (p *channelPool) dial(ctx context.Context) (Resource, error) {
	conn, err := p.constructor(ctx)
	if err != nil {
		p.mu.Lock()
		p.size--
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, err
	}
	p.stats.recordCreate()

	now := coarsetime.Now()
	return &channelResource{conn: conn, pool: p, created: now, lastUsed: now}, nil
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		select {
		case p.idle <- res:
			return
		default:
		}
	}

	_ = res.conn.Close()
	p.size--
	p.stats.recordDestroy()
}

func (p *channelPool) forget() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	p.stats.recordDestroy()
}

func (p *channelPool) AcquireAllIdle() []Resource {
	var idle []Resource
	for {
		select {
		case res, ok := <-p.idle:
			if !ok {
				return idle
			}
			idle = append(idle, res)
		default:
			return idle
		}
	}
}

// Close closes the idle connections. Acquired ones are closed as they come
// back.
func (p *channelPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	close(p.idle)
	for res := range p.idle {
		_ = res.conn.Close()
		p.size--
		p.stats.recordDestroy()
	}
}

func (p *channelPool) Stats() PoolStats {
	p.mu.Lock()
	total := p.size
	p.mu.Unlock()

	return p.stats.snapshot(total, int32(len(p.idle)))
}
